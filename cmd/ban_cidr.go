package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/workflow"
)

var (
	banCIDRReason   string
	banCIDRReversal reversalFlags
)

func init() {
	rootCmd.AddCommand(banCIDRCmd)
	banCIDRCmd.Flags().StringVar(&banCIDRReason, "reason", "", "Why the network is banned (at least 3 characters)")
	banCIDRCmd.Flags().StringVar(&banCIDRReversal.unban, "unban", "all", "Existing bans to reverse: all, none, or a comma separated list of entry ids")
	banCIDRCmd.Flags().StringVar(&banCIDRReversal.keep, "keep", "", "Comma separated entry ids to keep banned")
}

var banCIDRCmd = &cobra.Command{
	Use:   "ban-cidr NETWORK",
	Short: "Ban a network and reverse the single-address bans it makes redundant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		wf, err := workflow.New(a.workflowOptions(nil))
		if err != nil {
			return err
		}

		state, err := wf.Submit(ctx, args[0], banCIDRReason)
		if err != nil {
			return err
		}
		return finishRun(ctx, cmd.OutOrStdout(), a, wf, state, banCIDRReversal)
	},
}

// finishRun applies the reversal flags to a workflow sitting in results and
// prints the final state.
func finishRun(ctx context.Context, out io.Writer, a *app, wf *workflow.Workflow, state workflow.State, flags reversalFlags) error {
	if state.Status() == workflow.StatusResults {
		reverse, err := flags.apply(ctx, wf)
		if err != nil {
			return err
		}
		if !reverse {
			fmt.Fprintln(out, "No existing bans selected for reversal.")
		} else if _, err := wf.Reverse(ctx); err != nil && !errors.Is(err, workflow.ErrEmptySelection) {
			printState(out, wf.ID(), wf.State(), a.enricher)
			return err
		}
		state = wf.State()
	}

	printState(out, wf.ID(), state, a.enricher)
	return nil
}

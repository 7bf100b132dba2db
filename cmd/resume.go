package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/workflow"
)

var (
	resumeRunID    string
	resumeReversal reversalFlags
)

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeRunID, "run", "", "Id of the recorded run to continue")
	resumeCmd.Flags().StringVar(&resumeReversal.unban, "unban", "all", "Existing bans to reverse: all, none, or a comma separated list of entry ids")
	resumeCmd.Flags().StringVar(&resumeReversal.keep, "keep", "", "Comma separated entry ids to keep banned")
	_ = resumeCmd.MarkFlagRequired("run")
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a recorded run",
	Long: "Continue a recorded run. Runs waiting for a reversal decision apply --unban/--keep, " +
		"runs interrupted before the conflict lookup are submitted again with their recorded network and reason.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		run, err := a.store.Load(ctx, resumeRunID)
		if err != nil {
			return fmt.Errorf("could not load run '%s': %w", resumeRunID, err)
		}

		wf, err := workflow.Resume(*run, a.workflowOptions(nil))
		if err != nil {
			return err
		}

		state := wf.State()
		if input, ok := state.(workflow.Input); ok {
			if input.Network == "" {
				return errors.New("the run has no recorded network to submit")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitting %s again.\n", input.Network)
			if state, err = wf.Submit(ctx, input.Network, input.Reason); err != nil {
				return err
			}
		}

		return finishRun(ctx, cmd.OutOrStdout(), a, wf, state, resumeReversal)
	},
}

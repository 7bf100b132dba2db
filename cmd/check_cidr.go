package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
)

func init() {
	rootCmd.AddCommand(checkCIDRCmd)
}

var checkCIDRCmd = &cobra.Command{
	Use:   "check-cidr NETWORK",
	Short: "List the single-address bans that fall inside a network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		network := args[0]
		if !cidrlist.ValidNetwork(network) {
			return classify.New(classify.KindValidation, cidrlist.ErrInvalidNetwork.Error())
		}

		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		result, err := a.gateway.FindIPsInCIDR(ctx, network)
		if err != nil {
			return classify.Classify(err)
		}

		out := cmd.OutOrStdout()
		if result.Count == 0 {
			fmt.Fprintf(out, "No bans inside %s.\n", network)
			return nil
		}
		fmt.Fprintf(out, "%d ban(s) inside %s:\n", result.Count, network)
		printEntries(out, result.Entries, nil, a.enricher)
		return nil
	},
}

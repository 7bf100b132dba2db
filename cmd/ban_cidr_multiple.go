package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
)

var (
	banCIDRMultipleFile   string
	banCIDRMultipleReason string
)

func init() {
	rootCmd.AddCommand(banCIDRMultipleCmd)
	banCIDRMultipleCmd.Flags().StringVar(&banCIDRMultipleFile, "file", "", "Path to the CIDR list file")
	banCIDRMultipleCmd.Flags().StringVar(&banCIDRMultipleReason, "reason", "", "Reason for networks without a comment line above them")
	_ = banCIDRMultipleCmd.MarkFlagRequired("file")
}

var banCIDRMultipleCmd = &cobra.Command{
	Use:   "ban-cidr-multiple",
	Short: "Ban every network of a CIDR list file in one batch",
	Long: "Ban every network of a CIDR list file in one batch. Networks covered by another " +
		"network of the list are dropped first. A \"# ...\" comment line sets the reason of the networks below it.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(banCIDRMultipleFile)
		if err != nil {
			return fmt.Errorf("could not read file %s: %w", banCIDRMultipleFile, err)
		}

		out := cmd.OutOrStdout()
		synthesis := cidrlist.Synthesize(cidrlist.Parse(string(data)))
		for _, removed := range synthesis.RemovedEntries {
			fmt.Fprintf(out, "Skipping %s: covered by another network of the list\n", removed.Network)
		}

		requests := make([]gateway.CIDRBanRequest, 0, len(synthesis.NewList))
		for _, entry := range synthesis.NewList {
			reason := entry.Reason
			if reason == "" {
				reason = banCIDRMultipleReason
			}
			network := entry.Network.String()
			if err := cidrlist.ValidateRequest(network, reason); err != nil {
				return classify.New(classify.KindValidation, fmt.Sprintf("%s: %v", network, err))
			}
			requests = append(requests, gateway.CIDRBanRequest{Network: network, Reason: reason})
		}
		if len(requests) == 0 {
			return errors.New("the file lists no valid network")
		}

		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		batch, err := a.gateway.BanMultipleCIDRs(ctx, requests)
		if err != nil {
			return classify.Classify(err)
		}

		for _, item := range batch.Results {
			if item.Success {
				fmt.Fprintf(out, "Banned %s\n", item.Target)
				continue
			}
			fmt.Fprintf(out, "Failed %s: %s\n", item.Target, item.Message)
		}
		fmt.Fprintf(out, "%d banned, %d failed\n", batch.Successful, batch.Failed)

		if batch.Successful > 0 {
			a.notifier.Notify(ctx)
		}
		if batch.Successful == 0 {
			return classify.New(classify.KindUnknown, "no network was banned")
		}
		return nil
	},
}

package cmd

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
)

var banIPReason string

func init() {
	rootCmd.AddCommand(banIPCmd, unbanIPCmd)
	banIPCmd.Flags().StringVar(&banIPReason, "reason", "", "Why the address is banned (at least 3 characters)")
}

var banIPCmd = &cobra.Command{
	Use:   "ban-ip IP",
	Short: "Ban a single address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		if !cidrlist.ValidReason(banIPReason) {
			return classify.New(classify.KindValidation, cidrlist.ErrInvalidReason.Error())
		}

		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		result, err := a.gateway.BanIP(ctx, ip, banIPReason)
		if err != nil {
			return classify.Classify(err)
		}
		a.notifier.Notify(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), messageOr(result.Message, "Banned "+ip))
		return nil
	},
}

var unbanIPCmd = &cobra.Command{
	Use:   "unban-ip IP",
	Short: "Lift the ban of a single address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, err := parseAddress(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		result, err := a.gateway.UnbanIP(ctx, ip)
		if err != nil {
			return classify.Classify(err)
		}
		a.notifier.Notify(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), messageOr(result.Message, "Unbanned "+ip))
		return nil
	},
}

// parseAddress accepts IPv4 addresses only.
func parseAddress(value string) (string, error) {
	addr, err := netip.ParseAddr(value)
	if err != nil || !addr.Is4() {
		return "", classify.New(classify.KindValidation, fmt.Sprintf("invalid IPv4 address %q", value))
	}
	return addr.String(), nil
}

func messageOr(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

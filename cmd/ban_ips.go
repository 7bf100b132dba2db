package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
)

var (
	banIPsFile         string
	banIPsReason       string
	banIPsCoveringFile string
)

func init() {
	rootCmd.AddCommand(banIPsCmd)
	banIPsCmd.Flags().StringVar(&banIPsFile, "file", "", "Path to a file with one address per line (\"#\" starts a comment)")
	banIPsCmd.Flags().StringVar(&banIPsReason, "reason", "", "Why the addresses are banned (at least 3 characters)")
	banIPsCmd.Flags().StringVar(&banIPsCoveringFile, "skip-covered-by", "", "Path to a CIDR list file; addresses inside one of its networks are not banned individually")
	_ = banIPsCmd.MarkFlagRequired("file")
}

var banIPsCmd = &cobra.Command{
	Use:   "ban-ips",
	Short: "Ban every address listed in a file in one batch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !cidrlist.ValidReason(banIPsReason) {
			return classify.New(classify.KindValidation, cidrlist.ErrInvalidReason.Error())
		}

		ips, err := readAddresses(banIPsFile)
		if err != nil {
			return err
		}
		if banIPsCoveringFile != "" {
			data, err := os.ReadFile(banIPsCoveringFile)
			if err != nil {
				return fmt.Errorf("could not read file %s: %w", banIPsCoveringFile, err)
			}
			ips = skipCovered(cmd.OutOrStdout(), ips, cidrlist.Parse(string(data)))
			if len(ips) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Every address is already covered by a listed network.")
				return nil
			}
		}

		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		batch, err := a.gateway.BanMultipleIPs(ctx, ips, banIPsReason)
		if err != nil {
			return classify.Classify(err)
		}

		out := cmd.OutOrStdout()
		for _, item := range batch.Results {
			if !item.Success {
				fmt.Fprintf(out, "Failed %s: %s\n", item.Target, item.Message)
			}
		}
		fmt.Fprintf(out, "%d banned, %d failed\n", batch.Successful, batch.Failed)

		if batch.Successful > 0 {
			a.notifier.Notify(ctx)
		}
		return nil
	},
}

// skipCovered drops the addresses that fall inside one of the networks.
func skipCovered(out io.Writer, ips []string, networks []cidrlist.Entry) []string {
	kept := make([]string, 0, len(ips))
	for _, ip := range ips {
		if entry, covered := cidrlist.FindContaining(networks, ip); covered {
			fmt.Fprintf(out, "Skipping %s: covered by %s\n", ip, entry.Network)
			continue
		}
		kept = append(kept, ip)
	}
	return kept
}

// readAddresses reads unique IPv4 addresses from path, skipping blank and comment lines.
func readAddresses(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file %s: %w", path, err)
	}
	defer file.Close()

	seen := make(map[string]struct{})
	var ips []string
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ip, err := parseAddress(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read file %s: %w", path, err)
	}
	if len(ips) == 0 {
		return nil, errors.New("the file lists no address")
	}
	return ips, nil
}

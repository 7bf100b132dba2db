package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
)

var (
	synthesizeFile      string
	synthesizeOverwrite bool
)

func init() {
	rootCmd.AddCommand(synthesizeCIDRListCmd)
	synthesizeCIDRListCmd.Flags().StringVar(&synthesizeFile, "file", "", "Path to the CIDR list file")
	synthesizeCIDRListCmd.Flags().BoolVar(&synthesizeOverwrite, "overwrite", false, "Rewrite the file in place instead of printing the result")
	_ = synthesizeCIDRListCmd.MarkFlagRequired("file")
}

var synthesizeCIDRListCmd = &cobra.Command{
	Use:   "synthesize-cidr-list",
	Short: "Drop networks already covered by a broader network of the same list",
	Long: "Reads a CIDR list file (see ban-cidr-multiple) and removes every network contained in\n" +
		"another listed network, so that a later batch submission bans each range once.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info, err := os.Stat(synthesizeFile)
		if err != nil {
			return fmt.Errorf("could not stat file %s: %w", synthesizeFile, err)
		}
		data, err := os.ReadFile(synthesizeFile)
		if err != nil {
			return fmt.Errorf("could not read file %s: %w", synthesizeFile, err)
		}

		result := cidrlist.Synthesize(cidrlist.Parse(string(data)))
		for _, removed := range result.RemovedEntries {
			fmt.Fprintf(cmd.ErrOrStderr(), "Removed %s\n", removed.Network)
		}
		output := cidrlist.Format(result.NewList)

		if !synthesizeOverwrite {
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		}
		if err := os.WriteFile(synthesizeFile, []byte(output), info.Mode()); err != nil {
			return fmt.Errorf("write file %s: %w", synthesizeFile, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d network(s) kept, %d removed\n", len(result.NewList), len(result.RemovedEntries))
		return nil
	},
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
)

var (
	exportFormat string
	exportOutput string
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "Export format: csv or json")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "Write the export to this file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download the current ban list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		data, err := a.gateway.ExportBans(ctx, exportFormat)
		if err != nil {
			return classify.Classify(err)
		}

		if exportOutput == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return fmt.Errorf("write file %s: %w", exportOutput, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d bytes to %s\n", len(data), exportOutput)
		return nil
	},
}

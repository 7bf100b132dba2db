package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsLimit int

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded workflow runs, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		runs, err := a.store.List(ctx, runsLimit)
		if err != nil {
			return fmt.Errorf("could not list runs: %w", err)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tNETWORK\tCONFLICTS\tREVERSED\tERROR")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				run.ID,
				run.CreatedAt.Local().Format(time.DateTime),
				run.Status,
				run.Network,
				len(run.Conflicts),
				len(run.Reversed),
				run.ErrorKind,
			)
		}
		return tw.Flush()
	},
}

// Package cmd provides the banctl command-line interface using the Cobra
// framework: the operator API server, one-shot ban workflows, the single-address
// ban primitives, and ban list utilities.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
)

var cfgFile string

// rootCmd is the base command for the CLI. Subcommands are registered via their init() hooks.
var rootCmd = &cobra.Command{
	Use:           "banctl",
	Short:         "Ban IPv4 networks and reconcile the single-address bans they cover",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to the configuration file")
}

// Execute runs the root Cobra command and reports any error on stderr, with
// its likely causes when the error was classified.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}

	stderr := rootCmd.ErrOrStderr()
	var classified *classify.Error
	if errors.As(err, &classified) {
		fmt.Fprintf(stderr, "Error (%s): %s\n", classified.Kind, classified.Message)
		for _, cause := range classified.Causes {
			fmt.Fprintf(stderr, "  - %s\n", cause)
		}
		return err
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return err
}

// Package main is the entry point of banctl, the CIDR ban orchestrator.
// It initializes the CLI and delegates execution to the cmd package.
package main

import (
	"os"

	"github.com/gtriggiano/cidr-ban-orchestrator/cmd"
)

// main invokes the root Cobra command and exits with a non-zero status code if
// command execution fails.
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

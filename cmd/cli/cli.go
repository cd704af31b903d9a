package cli

import (
	"fmt"
	"os"

	"github.com/kcaldas/tokenopt/pkg/version"
)

// Execute runs the CLI with all commands
func Execute() {
	RootCmd.Version = version.Version
	RootCmd.SetVersionTemplate(version.GetInfo().String() + "\n")
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

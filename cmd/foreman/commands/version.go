package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// VersionCmd prints the foreman version
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the foreman version",
	RunE: func(cmd *cobra.Command, args []string) error {
		pterm.Printf("foreman %s\n", Version)
		return nil
	},
}

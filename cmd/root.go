// Package cmd implements the CLI surface described in spec.md §6: a thin
// shell over internal/orchestrator, internal/snapshot, and internal/catalog.
// It is not part of the "hard core" spec.md §1 describes; it exists to make
// the orchestrator usable from a terminal, grounded on the teacher's own
// cmd/root.go + one-file-per-verb layout (spf13/cobra).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kml",
	Short: "Ephemeral AI coding sandboxes",
	Long:  `kml provisions ephemeral development sandboxes, wires them to the edge, and runs an AI coding assistant against a working copy inside each one.`,
}

// Execute runs the root command; it is the only symbol main calls.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

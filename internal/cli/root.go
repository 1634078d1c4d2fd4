// Package cli wires the coordinator's core API (internal/broker,
// internal/agent) into a command-line surface. Per spec.md §1 these
// commands are thin external collaborators, not part of the specified
// core.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var projectPath string

var rootCmd = &cobra.Command{
	Use:   "fleetline",
	Short: "File-based coordinator for a fleet of coding-agent workers",
	Long: `fleetline coordinates a fleet of independent worker processes that
collaborate on a shared working tree. A single coordinator process tracks
agent liveness, queues and assigns tasks by priority with dependency
gating, arbitrates file locks, and exchanges messages with agents through
a shared on-disk directory — no database required.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectPath, "path", "p", ".", "Project directory (coordinator root is resolved from here)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetline %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// Package cmd defines the ccmux command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ccmux",
	Short: "🖥️  ccmux - coding agent sessions on git worktrees",
	Long: `ccmux provisions and supervises interactive coding-agent sessions.

Each session runs the agent inside a dedicated tmux session bound to a
git worktree, exposed through a per-session web terminal and a single
HTTP server. Optionally the whole surface is published through a
Cloudflare tunnel for remote access.`,
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

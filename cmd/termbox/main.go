// termbox serves per-project sandboxed shell sessions over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "termbox",
	Short: "termbox serves sandboxed per-project shell sessions over WebSocket.",
	Long: `termbox gives every (user, project) pair an isolated shell environment
reachable from a browser terminal. Sandboxes start on first attach, are shared by
concurrent connections to the same project, and are reclaimed after inactivity.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

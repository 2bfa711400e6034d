// hiklqqbot — QQ bot event ingestion and command dispatch service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hiklqqbot",
	Short: "hiklqqbot — QQ bot event ingestion and command dispatch service.",
	Long: `hiklqqbot receives events from the QQ bot open platform over either a
persistent websocket gateway or a signed HTTP webhook, normalizes them
into a single event model, and dispatches commands with per-conversation
ordering guarantees.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

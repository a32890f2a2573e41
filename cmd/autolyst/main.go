// Autolyst command line interface.
//
// Runs the analysis server and drives it over its HTTP API: submit
// questions, upload datasets, stream progress, and inspect results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "autolyst",
	Short: "Autolyst - autonomous data analysis sessions",
	Long: `Autolyst answers questions about datasets. A model plans Python
analysis steps, a sandboxed interpreter executes them, and the loop
repeats until the model reports an answer.

Start the server, then drive it from this CLI:

  autolyst serve
  autolyst run "Which region grew fastest?" --file sales.csv
  autolyst status <session-id>
  autolyst logs <session-id> --follow
  autolyst list`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("AUTOLYST_SERVER", "http://localhost:7080"),
		"Autolyst server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

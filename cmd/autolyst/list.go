package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(serverURL + "/api/sessions")
		if err != nil {
			return fmt.Errorf("cannot reach server at %s: %w", serverURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apiError("list sessions", resp)
		}

		var sessions []struct {
			ID        string `json:"id"`
			Task      string `json:"task"`
			Status    string `json:"status"`
			Rounds    int    `json:"rounds"`
			MaxRounds int    `json:"max_rounds"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println(`No sessions yet. Start one with: autolyst run "your question" --file data.csv`)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tROUNDS\tTASK")
		for _, s := range sessions {
			task := s.Task
			if len(task) > 50 {
				task = task[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s %s\t%d/%d\t%s\n", s.ID, statusIcon(s.Status), s.Status, s.Rounds, s.MaxRounds, task)
		}
		return w.Flush()
	},
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "⏳"
	case "running":
		return "🔄"
	case "done":
		return "✅"
	case "aborted":
		return "⚠️"
	case "failed":
		return "❌"
	case "canceled":
		return "⏹"
	default:
		return "•"
	}
}

func init() {
	rootCmd.AddCommand(listCmd)
}

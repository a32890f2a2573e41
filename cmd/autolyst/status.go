package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show the status of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(serverURL + "/api/sessions/" + args[0])
		if err != nil {
			return fmt.Errorf("cannot reach server at %s: %w", serverURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apiError("get session", resp)
		}

		var s struct {
			ID        string    `json:"id"`
			Task      string    `json:"task"`
			Status    string    `json:"status"`
			Rounds    int       `json:"rounds"`
			MaxRounds int       `json:"max_rounds"`
			Answer    string    `json:"answer"`
			Error     string    `json:"error"`
			CreatedAt time.Time `json:"created_at"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		fmt.Printf("Session:  %s\n", s.ID)
		fmt.Printf("Status:   %s %s\n", statusIcon(s.Status), s.Status)
		fmt.Printf("Rounds:   %d/%d\n", s.Rounds, s.MaxRounds)
		fmt.Printf("Task:     %s\n", s.Task)
		if s.Answer != "" {
			fmt.Printf("Answer:   %s\n", s.Answer)
		}
		if s.Error != "" {
			fmt.Printf("Error:    %s\n", s.Error)
		}
		fmt.Printf("Created:  %s\n", s.CreatedAt.Local().Format(time.RFC822))
		fmt.Printf("Updated:  %s\n", s.UpdatedAt.Local().Format(time.RFC822))
		return nil
	},
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [session-id]",
	Short: "Show a session's transcript",
	Long: `Show the recorded turns of a session: the task, each proposed
analysis step, and each execution result.

With --follow, stream live events instead until the session finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if logsFollow {
			return streamEvents(args[0])
		}

		resp, err := http.Get(serverURL + "/api/sessions/" + args[0] + "/turns")
		if err != nil {
			return fmt.Errorf("cannot reach server at %s: %w", serverURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apiError("get turns", resp)
		}

		var turns []struct {
			Round   int    `json:"round"`
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		for _, turn := range turns {
			fmt.Printf("\033[36m── %s (round %d)\033[0m\n%s\n\n", turn.Role, turn.Round, turn.Content)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream live events until the session finishes")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	runFiles  []string
	runRounds int
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run an analysis task",
	Long: `Create a session, upload datasets, and stream the analysis.

The command blocks until the session finishes and prints the answer.

Examples:
  autolyst run "What is the mean order value?" --file orders.csv
  autolyst run "Plot revenue by month" --file sales.csv --file regions.csv
  autolyst run "Find outliers in response times" --file timings.csv --rounds 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]any{
			"task":       args[0],
			"max_rounds": runRounds,
		})

		resp, err := http.Post(serverURL+"/api/sessions", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("cannot reach server at %s: %w\n\nIs the server running? Start it with: autolyst serve", serverURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return apiError("create session", resp)
		}

		var session struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		for _, file := range runFiles {
			if err := uploadFile(session.ID, file); err != nil {
				return err
			}
			fmt.Printf("Uploaded %s\n", filepath.Base(file))
		}

		startResp, err := http.Post(serverURL+"/api/sessions/"+session.ID+"/start", "application/json", nil)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		defer startResp.Body.Close()
		if startResp.StatusCode != http.StatusAccepted {
			return apiError("start session", startResp)
		}

		fmt.Printf("Session %s started\n\n", session.ID)
		return streamEvents(session.ID)
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "dataset file to upload (repeatable)")
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "override the server's round budget for this session")
	rootCmd.AddCommand(runCmd)
}

func uploadFile(sessionID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/api/sessions/"+sessionID+"/files", mw.FormDataContentType(), &buf)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return apiError("upload "+filepath.Base(path), resp)
	}
	return nil
}

// streamEvents follows a session's event stream and prints each event,
// returning once the session reaches a terminal state.
func streamEvents(sessionID string) error {
	resp, err := http.Get(serverURL + "/api/sessions/" + sessionID + "/events")
	if err != nil {
		return fmt.Errorf("stream events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError("stream events", resp)
	}

	var answer string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "status":
			fmt.Printf("\033[36m[status]\033[0m %s\n", event.Data)
		case "round":
			fmt.Printf("\033[36m[round]\033[0m %s\n", event.Data)
		case "output":
			fmt.Println(event.Data)
		case "artifact":
			fmt.Printf("\033[33m[artifact]\033[0m %s\n", event.Data)
		case "answer":
			answer = event.Data
		case "error":
			fmt.Fprintf(os.Stderr, "\033[31m[error]\033[0m %s\n", event.Data)
		case "done":
			if event.Data == "done" && answer != "" {
				fmt.Printf("\n\033[32m✓ Done:\033[0m\n%s\n", answer)
			} else {
				fmt.Printf("\n%s %s\n", statusIcon(event.Data), event.Data)
			}
			return nil
		}
	}
	return scanner.Err()
}

func apiError(action string, resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", action, e.Error)
	}
	return fmt.Errorf("%s: server returned %s", action, resp.Status)
}

// Package anthropic implements gateway.Gateway using the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/autolyst-dev/autolyst/gateway"
)

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey string
	model  string
	client *http.Client
}

// New creates a client for the Anthropic API.
// Model defaults to "claude-sonnet-4-20250514" if empty.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		client: http.DefaultClient,
	}
}

func (c *Client) Complete(ctx context.Context, msgs []gateway.Message, sampling gateway.Sampling, stop []string) (gateway.Completion, error) {
	system := ""
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == gateway.RoleSystem {
		system = msgs[0].Content
		rest = msgs[1:]
	}

	maxTokens := sampling.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":       c.model,
		"max_tokens":  maxTokens,
		"temperature": sampling.Temperature,
		"messages":    mergeTurns(rest),
	}
	if system != "" {
		body["system"] = system
	}
	if sampling.TopP > 0 {
		body["top_p"] = sampling.TopP
	}
	if sampling.TopK > 0 {
		body["top_k"] = sampling.TopK
	}
	if len(stop) > 0 {
		body["stop_sequences"] = stop
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return gateway.Completion{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return gateway.Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return gateway.Completion{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.Completion{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return gateway.Completion{}, fmt.Errorf("anthropic API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason   string `json:"stop_reason"`
		StopSequence string `json:"stop_sequence"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return gateway.Completion{}, fmt.Errorf("parsing response: %w", err)
	}

	for _, block := range result.Content {
		if block.Type == "text" {
			return gateway.Completion{
				Text:              block.Text,
				StoppedOnSequence: result.StopReason == "stop_sequence",
			}, nil
		}
	}
	return gateway.Completion{}, fmt.Errorf("no text content in response")
}

// mergeTurns folds consecutive same-role messages together. The Messages API
// wants strictly alternating user/assistant turns, and observation turns
// arrive as back-to-back user messages.
func mergeTurns(msgs []gateway.Message) []map[string]string {
	var out []map[string]string
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1]["role"] == m.Role {
			out[n-1]["content"] += "\n\n" + m.Content
			continue
		}
		out = append(out, map[string]string{"role": m.Role, "content": m.Content})
	}
	return out
}

// Package openai implements gateway.Gateway against any OpenAI-compatible
// chat completions endpoint. Self-hosted vLLM-style servers speak the same
// protocol, so pointing BaseURL at one is the common deployment.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/autolyst-dev/autolyst/gateway"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// New creates a client. baseURL defaults to the OpenAI API; apiKey may be
// empty for unauthenticated self-hosted endpoints. Model defaults to
// "autolyst-8b".
func New(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "autolyst-8b"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  http.DefaultClient,
	}
}

func (c *Client) Complete(ctx context.Context, msgs []gateway.Message, sampling gateway.Sampling, stop []string) (gateway.Completion, error) {
	body := map[string]any{
		"model":       c.model,
		"messages":    msgs,
		"temperature": sampling.Temperature,
	}
	if sampling.TopP > 0 {
		body["top_p"] = sampling.TopP
	}
	if sampling.TopK > 0 {
		// Not part of the OpenAI schema, but vLLM-style servers honor it.
		body["top_k"] = sampling.TopK
	}
	if sampling.MaxTokens > 0 {
		body["max_tokens"] = sampling.MaxTokens
	}
	if len(stop) > 0 {
		body["stop"] = stop
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return gateway.Completion{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return gateway.Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

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
		return gateway.Completion{}, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
			// vLLM echoes the matched stop string here; null or a token
			// id when generation ended some other way.
			StopReason any `json:"stop_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return gateway.Completion{}, fmt.Errorf("parsing response: %w", err)
	}

	if len(result.Choices) == 0 {
		return gateway.Completion{}, fmt.Errorf("no choices in response")
	}
	choice := result.Choices[0]
	comp := gateway.Completion{Text: choice.Message.Content}
	if matched, ok := choice.StopReason.(string); ok {
		for _, seq := range stop {
			if matched == seq {
				comp.StoppedOnSequence = true
				break
			}
		}
	}
	return comp, nil
}

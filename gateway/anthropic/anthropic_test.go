package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/autolyst-dev/autolyst/gateway"
)

// rewriteTransport redirects every request to a test server while keeping
// the client's production URL construction intact.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	c := New("test-key", "claude-sonnet-4-20250514")
	c.client = &http.Client{Transport: rewriteTransport{target: target}}
	return c, srv.Close
}

func TestCompleteDetectsStopSequence(t *testing.T) {
	var captured map[string]any
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("unexpected api key header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"<Code>print(1)"}],"stop_reason":"stop_sequence","stop_sequence":"</Code>"}`))
	})
	defer closeSrv()

	msgs := []gateway.Message{
		{Role: gateway.RoleSystem, Content: "you are an analyst"},
		{Role: gateway.RoleUser, Content: "profile data.csv"},
	}
	comp, err := c.Complete(context.Background(), msgs, gateway.Sampling{Temperature: 0.2, MaxTokens: 8192}, []string{"</Code>"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !comp.StoppedOnSequence {
		t.Fatal("stop sequence not detected")
	}
	if comp.Text != "<Code>print(1)" {
		t.Fatalf("unexpected text: %q", comp.Text)
	}

	// The system turn rides the dedicated field, not the messages array.
	if captured["system"] != "you are an analyst" {
		t.Fatalf("system prompt not extracted: %v", captured["system"])
	}
	wire := captured["messages"].([]any)
	if len(wire) != 1 {
		t.Fatalf("expected 1 wire message, got %v", wire)
	}
	stops := captured["stop_sequences"].([]any)
	if len(stops) != 1 || stops[0] != "</Code>" {
		t.Fatalf("stop sequences not sent: %v", captured["stop_sequences"])
	}
}

func TestCompleteNaturalStop(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"<Answer>42</Answer>"}],"stop_reason":"end_turn","stop_sequence":null}`))
	})
	defer closeSrv()

	comp, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, []string{"</Code>"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if comp.StoppedOnSequence {
		t.Fatal("end_turn misread as stop sequence")
	}
}

func TestCompleteAPIError(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusTooManyRequests)
	})
	defer closeSrv()

	_, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error missing status: %v", err)
	}
}

func TestMergeTurnsFoldsConsecutiveRoles(t *testing.T) {
	msgs := []gateway.Message{
		{Role: "user", Content: "task"},
		{Role: "assistant", Content: "<Code>print(1)</Code>"},
		{Role: "user", Content: "<Execute>1</Execute>"},
		{Role: "user", Content: "continue"},
	}
	merged := mergeTurns(msgs)
	if len(merged) != 3 {
		t.Fatalf("expected 3 merged turns, got %d: %v", len(merged), merged)
	}
	if merged[2]["content"] != "<Execute>1</Execute>\n\ncontinue" {
		t.Fatalf("consecutive user turns not folded: %q", merged[2]["content"])
	}
	if merged[1]["role"] != "assistant" {
		t.Fatalf("unexpected role order: %v", merged)
	}
}

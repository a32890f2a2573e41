package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/autolyst-dev/autolyst/gateway"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"<Analyze>looking</Analyze>"},"finish_reason":"stop","stop_reason":null}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", "autolyst-8b")
	msgs := []gateway.Message{
		{Role: gateway.RoleSystem, Content: "you are an analyst"},
		{Role: gateway.RoleUser, Content: "profile data.csv"},
	}
	comp, err := c.Complete(context.Background(), msgs, gateway.Sampling{Temperature: 0.2, TopP: 0.95, MaxTokens: 8192}, []string{"</Code>"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if comp.Text != "<Analyze>looking</Analyze>" {
		t.Fatalf("unexpected text: %q", comp.Text)
	}
	if comp.StoppedOnSequence {
		t.Fatal("natural stop misread as stop sequence")
	}

	if captured["model"] != "autolyst-8b" {
		t.Fatalf("model not sent: %v", captured["model"])
	}
	if captured["temperature"] != 0.2 || captured["top_p"] != 0.95 {
		t.Fatalf("sampling not sent: %v", captured)
	}
	stop, ok := captured["stop"].([]any)
	if !ok || len(stop) != 1 || stop[0] != "</Code>" {
		t.Fatalf("stop sequences not sent: %v", captured["stop"])
	}
	wire, ok := captured["messages"].([]any)
	if !ok || len(wire) != 2 {
		t.Fatalf("messages not sent: %v", captured["messages"])
	}
	first := wire[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "you are an analyst" {
		t.Fatalf("unexpected first message: %v", first)
	}
}

func TestCompleteDetectsStopSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"<Code>print(1)"},"finish_reason":"stop","stop_reason":"</Code>"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	comp, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, []string{"</Code>"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !comp.StoppedOnSequence {
		t.Fatal("stop sequence not detected")
	}
	if comp.Text != "<Code>print(1)" {
		t.Fatalf("unexpected text: %q", comp.Text)
	}
}

func TestCompleteIgnoresTokenStopReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// vLLM reports a token id when generation ended on an EOS token.
		w.Write([]byte(`{"choices":[{"message":{"content":"<Answer>done</Answer>"},"finish_reason":"stop","stop_reason":128009}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	comp, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, []string{"</Code>"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if comp.StoppedOnSequence {
		t.Fatal("token id stop_reason misread as stop sequence")
	}
}

func TestCompleteOmitsAuthWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected auth header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop","stop_reason":null}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	if _, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	_, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("error missing status detail: %v", err)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	if _, err := c.Complete(context.Background(), []gateway.Message{{Role: "user", Content: "go"}}, gateway.Sampling{}, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

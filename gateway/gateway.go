// Package gateway defines the seam between the engine and the model serving
// layer. The engine only ever sees this interface; which provider sits
// behind it is a deployment decision.
package gateway

import "context"

// Message is one transcript turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Wire roles. Observation turns are carried as user messages, so the serving
// layer only ever sees the two conversational roles plus the system prompt.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sampling bundles the decode parameters for one completion call.
// Zero-valued fields are omitted from requests, so endpoint defaults apply.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k,omitempty"`
	MaxTokens   int     `json:"max_tokens"`
}

// Completion is one model response and how generation ended.
type Completion struct {
	Text string
	// StoppedOnSequence reports that generation was cut by one of the
	// requested stop sequences rather than ending naturally. The matched
	// sequence itself is not part of Text.
	StoppedOnSequence bool
}

// Gateway produces completions for a transcript. Errors are fatal to the
// calling session; any retry policy lives behind the implementation, not in
// the engine.
type Gateway interface {
	Complete(ctx context.Context, msgs []Message, sampling Sampling, stop []string) (Completion, error)
}

// Package model defines the core domain types shared across all Autolyst packages.
// It has zero dependencies on other Autolyst packages.
package model

import "time"

// Status represents the current state of a session.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusDone means the model produced an answer or stopped proposing code.
	StatusDone Status = "done"
	// StatusAborted means the round budget ran out before an answer (bounded effort).
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether a session in this status will make no further progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusAborted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleObservation marks execution output fed back for the model to read.
	RoleObservation Role = "observation"
)

// Session represents a single analysis task execution.
type Session struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Workspace string    `json:"-"`
	Status    Status    `json:"status"`
	Rounds    int       `json:"rounds"`
	MaxRounds int       `json:"max_rounds"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	Source    string    `json:"source,omitempty"` // datasource ID inputs were staged from
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one exchange unit in a session transcript. Turns are append-only
// and replaying a transcript is deterministic.
type Turn struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Round     int       `json:"round"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents a single event in a session's lifecycle.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // "status", "round", "output", "artifact", "answer", "error", "done"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Change classifies how an artifact differs between two workspace snapshots.
type Change string

const (
	ChangeAdded    Change = "added"
	ChangeModified Change = "modified"
)

// Artifact is a workspace file detected as new or modified by one execution.
type Artifact struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Round     int       `json:"round"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Change    Change    `json:"change"`
	CreatedAt time.Time `json:"created_at"`
}

// DataSource describes a registered external data source. Params holds only
// non-secret settings; credentials are sealed and never leave the server.
type DataSource struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	Params    map[string]string `json:"params,omitempty"`
	Sealed    []byte            `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

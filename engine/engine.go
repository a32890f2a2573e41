// Package engine runs analysis sessions: it owns the session lifecycle,
// drives the round loop for each running session, and reaps expired ones.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autolyst-dev/autolyst/eventbus"
	"github.com/autolyst-dev/autolyst/gateway"
	"github.com/autolyst-dev/autolyst/model"
	"github.com/autolyst-dev/autolyst/sandbox"
	"github.com/autolyst-dev/autolyst/store"
	"github.com/autolyst-dev/autolyst/workspace"
)

// Config holds engine-specific configuration.
type Config struct {
	// WorkspaceRoot is the directory session workspaces are created under.
	WorkspaceRoot string
	// MaxRounds bounds how many executions a session may perform.
	MaxRounds int
	// ExecTimeout bounds a single payload execution.
	ExecTimeout time.Duration
	// SessionTTL is how long terminal sessions are kept before the reaper
	// removes them and their workspaces. Zero disables reaping.
	SessionTTL time.Duration
	// Sampling is passed through to the gateway on every completion request.
	Sampling gateway.Sampling
	// SystemPrompt overrides the built-in system prompt when non-empty.
	SystemPrompt string
}

// Engine coordinates sessions, the model gateway, and the sandbox pool.
type Engine struct {
	config  Config
	store   store.SessionStore
	bus     eventbus.Bus
	runner  sandbox.Runner
	gateway gateway.Gateway

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an engine. All dependencies are required.
func New(config Config, st store.SessionStore, bus eventbus.Bus, runner sandbox.Runner, gw gateway.Gateway) *Engine {
	if config.MaxRounds <= 0 {
		config.MaxRounds = 20
	}
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 120 * time.Second
	}
	return &Engine{
		config:  config,
		store:   st,
		bus:     bus,
		runner:  runner,
		gateway: gw,
		running: make(map[string]context.CancelFunc),
	}
}

// Start launches the engine's background reaper. Sessions started after
// Start are canceled when Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reapLoop(e.ctx)
	}()
	return nil
}

// Stop cancels all running sessions and waits for them to wind down.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Store returns the engine's session store.
func (e *Engine) Store() store.SessionStore { return e.store }

// Bus returns the engine's event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// CreateSession registers a new pending session and provisions its
// workspace. Inputs can be staged until the session is started.
func (e *Engine) CreateSession(task string) (*model.Session, error) {
	id := uuid.New().String()[:8]
	dir := filepath.Join(e.config.WorkspaceRoot, id)
	if err := workspace.EnsureLayout(dir); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	now := time.Now().UTC()
	sess := &model.Session{
		ID:        id,
		Task:      task,
		Workspace: dir,
		Status:    model.StatusPending,
		MaxRounds: e.config.MaxRounds,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	slog.Info("session created", "session", id, "workspace", dir)
	return sess, nil
}

// StageInput copies an input file into a pending session's workspace.
func (e *Engine) StageInput(sessionID, name string, r io.Reader) (int64, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return 0, fmt.Errorf("session not found: %w", err)
	}
	if sess.Status != model.StatusPending {
		return 0, fmt.Errorf("cannot stage inputs into a %s session", sess.Status)
	}
	n, err := workspace.StageFile(sess.Workspace, name, r)
	if err != nil {
		return 0, fmt.Errorf("staging input: %w", err)
	}
	e.emitEvent(sessionID, "status", fmt.Sprintf("staged %s (%d bytes)", filepath.Base(name), n))
	return n, nil
}

// StartSession launches the round loop for a pending session in the
// background and returns immediately.
func (e *Engine) StartSession(id string) (*model.Session, error) {
	sess, err := e.store.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("session not found: %w", err)
	}
	if sess.Status != model.StatusPending {
		return nil, fmt.Errorf("session is %s, only pending sessions can be started", sess.Status)
	}
	ctx, err := e.claimSession(id)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.releaseSession(id)
		e.runSession(ctx, id)
	}()
	return sess, nil
}

// CancelSession stops a pending or running session. For a running session
// the in-flight gateway call is abandoned and any executing payload is
// killed before the status flips to canceled.
func (e *Engine) CancelSession(id string) error {
	sess, err := e.store.GetSession(id)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session is already %s", sess.Status)
	}

	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}

	// Pending session that never started; flip it directly.
	sess.Status = model.StatusCanceled
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	e.emitEvent(id, "done", string(model.StatusCanceled))
	return nil
}

func (e *Engine) claimSession(id string) (context.Context, error) {
	base := e.ctx
	if base == nil {
		base = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return nil, fmt.Errorf("session %s is already running", id)
	}
	ctx, cancel := context.WithCancel(base)
	e.running[id] = cancel
	return ctx, nil
}

func (e *Engine) releaseSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[id]; ok {
		cancel()
		delete(e.running, id)
	}
}

// runSession drives one session from running to a terminal status.
func (e *Engine) runSession(ctx context.Context, id string) {
	sess, err := e.store.GetSession(id)
	if err != nil {
		slog.Error("session vanished before start", "session", id, "error", err)
		return
	}

	sess.Status = model.StatusRunning
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		slog.Error("marking session running", "session", id, "error", err)
		return
	}
	e.emitEvent(id, "status", string(model.StatusRunning))
	slog.Info("session started", "session", id, "max_rounds", sess.MaxRounds)

	snap, err := workspace.Take(sess.Workspace)
	if err != nil {
		e.failSession(sess, fmt.Sprintf("reading workspace: %v", err))
		return
	}

	ctrl := &Controller{
		Gateway:   e.gateway,
		Runner:    e.runner,
		Sampling:  e.config.Sampling,
		MaxRounds: sess.MaxRounds,
		Timeout:   e.config.ExecTimeout,
		System:    e.systemPrompt(),
		OnTurn: func(t model.Turn) {
			t.SessionID = id
			if err := e.store.AddTurn(&t); err != nil {
				slog.Error("persisting turn", "session", id, "error", err)
			}
			e.emitEvent(id, "output", t.Content)
		},
		OnArtifact: func(a model.Artifact) {
			a.SessionID = id
			if err := e.store.AddArtifact(&a); err != nil {
				slog.Error("persisting artifact", "session", id, "error", err)
			}
			e.emitEvent(id, "artifact", a.Path)
		},
		OnRound: func(round int) {
			sess.Rounds = round
			sess.UpdatedAt = time.Now().UTC()
			if err := e.store.UpdateSession(sess); err != nil {
				slog.Error("persisting round count", "session", id, "error", err)
			}
			e.emitEvent(id, "round", fmt.Sprintf("%d/%d", round, sess.MaxRounds))
		},
	}

	out, err := ctrl.Run(ctx, taskPrompt(sess.Task, snapshotFiles(snap)), sess.Workspace)
	sess.Rounds = out.Rounds
	if err != nil {
		if errors.Is(err, context.Canceled) {
			sess.Status = model.StatusCanceled
			sess.UpdatedAt = time.Now().UTC()
			if uerr := e.store.UpdateSession(sess); uerr != nil {
				slog.Error("marking session canceled", "session", id, "error", uerr)
			}
			e.emitEvent(id, "done", string(model.StatusCanceled))
			slog.Info("session canceled", "session", id, "rounds", out.Rounds)
			return
		}
		e.failSession(sess, err.Error())
		return
	}

	sess.Status = out.Status
	sess.Answer = out.Answer
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		slog.Error("persisting terminal session", "session", id, "error", err)
	}
	if out.Answer != "" {
		e.emitEvent(id, "answer", out.Answer)
	}
	e.emitEvent(id, "done", string(out.Status))
	slog.Info("session finished", "session", id, "status", out.Status, "rounds", out.Rounds, "artifacts", len(out.Artifacts))
}

func (e *Engine) reapLoop(ctx context.Context) {
	if e.config.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapExpired()
		}
	}
}

// reapExpired removes terminal sessions whose TTL has passed, together with
// their workspace directories.
func (e *Engine) reapExpired() {
	sessions, err := e.store.ListSessions()
	if err != nil {
		slog.Error("reaper: listing sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			continue
		}
		if time.Since(sess.UpdatedAt) <= e.config.SessionTTL {
			continue
		}
		slog.Info("reaping expired session", "session", sess.ID, "status", sess.Status)
		if sess.Workspace != "" {
			if err := workspace.Remove(sess.Workspace); err != nil {
				slog.Error("reaper: removing workspace", "session", sess.ID, "error", err)
				continue
			}
		}
		if err := e.store.DeleteSession(sess.ID); err != nil {
			slog.Error("reaper: deleting session", "session", sess.ID, "error", err)
		}
	}
}

func (e *Engine) systemPrompt() string {
	if e.config.SystemPrompt != "" {
		return e.config.SystemPrompt
	}
	return defaultSystemPrompt
}

// failSession marks a session as failed and emits an error event followed
// by the closing done event, so streams over failed sessions still end.
func (e *Engine) failSession(sess *model.Session, errMsg string) {
	slog.Error("session failed", "session", sess.ID, "error", errMsg)
	sess.Status = model.StatusFailed
	sess.Error = errMsg
	sess.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		slog.Error("marking session failed", "session", sess.ID, "error", err)
	}
	e.emitEvent(sess.ID, "error", errMsg)
	e.emitEvent(sess.ID, "done", string(model.StatusFailed))
}

// emitEvent persists an event and publishes it to live subscribers.
func (e *Engine) emitEvent(sessionID, eventType, data string) {
	event := &model.Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddEvent(event); err != nil {
		slog.Error("persisting event", "session", sessionID, "type", eventType, "error", err)
	}
	e.bus.Publish(sessionID, event)
}

func snapshotFiles(snap workspace.Snapshot) []string {
	files := make([]string, 0, len(snap))
	for path := range snap {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

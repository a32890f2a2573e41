// Package autolyst is the top-level entry point for the Autolyst engine.
//
// Use the Builder to compose a custom Autolyst application:
//
//	app, err := autolyst.NewBuilder().Build()
//	app.Start(ctx)
//
// Or customize every component:
//
//	app, err := autolyst.NewBuilder().
//	    WithStore(myStore).
//	    WithGateway(myGateway).
//	    WithRunner(myRunner).
//	    Build()
package autolyst

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/autolyst-dev/autolyst/datasource"
	"github.com/autolyst-dev/autolyst/engine"
	"github.com/autolyst-dev/autolyst/eventbus"
	"github.com/autolyst-dev/autolyst/gateway"
	"github.com/autolyst-dev/autolyst/httpapi"
	"github.com/autolyst-dev/autolyst/sandbox"
	"github.com/autolyst-dev/autolyst/store"
)

// Config holds top-level configuration for an Autolyst application.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (default ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (default "~/.autolyst").
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// WorkspaceRoot is the directory session workspaces are created under.
	WorkspaceRoot string

	// PythonBin is the interpreter used to execute payloads (default "python3").
	PythonBin string

	// PoolSize caps concurrent payload executions across sessions (default 4).
	PoolSize int

	// MaxRounds is the max generate/execute rounds per session (default 20).
	MaxRounds int

	// ExecTimeout bounds a single payload execution (default 2m).
	ExecTimeout time.Duration

	// SessionTTL is how long finished sessions are kept before the reaper
	// removes them (default 2h). Zero keeps them forever.
	SessionTTL time.Duration

	// Model is the model identifier requested from the serving endpoint.
	// Empty falls back to AUTOLYST_MODEL, then to the gateway's default.
	Model string

	// Sampling holds the decode parameters for every completion call.
	Sampling gateway.Sampling

	// GatewayRPM caps completion requests per minute. 0 disables the cap.
	GatewayRPM float64

	// SystemPrompt overrides the built-in system prompt when non-empty.
	SystemPrompt string
}

// Builder constructs an Autolyst App.
type Builder struct {
	config   Config
	store    store.SessionStore
	bus      eventbus.Bus
	runner   sandbox.Runner
	gateway  gateway.Gateway
	registry *datasource.Registry
}

// NewBuilder creates a new Builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the session store implementation.
func (b *Builder) WithStore(s store.SessionStore) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithRunner sets the payload execution runner.
func (b *Builder) WithRunner(r sandbox.Runner) *Builder {
	b.runner = r
	return b
}

// WithGateway sets the model gateway.
func (b *Builder) WithGateway(g gateway.Gateway) *Builder {
	b.gateway = g
	return b
}

// WithRegistry sets the datasource registry.
func (b *Builder) WithRegistry(r *datasource.Registry) *Builder {
	b.registry = r
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	eng := engine.New(
		engine.Config{
			WorkspaceRoot: b.config.WorkspaceRoot,
			MaxRounds:     b.config.MaxRounds,
			ExecTimeout:   b.config.ExecTimeout,
			SessionTTL:    b.config.SessionTTL,
			Sampling:      b.config.Sampling,
			SystemPrompt:  b.config.SystemPrompt,
		},
		b.store,
		b.bus,
		b.runner,
		b.gateway,
	)

	handler := httpapi.New(eng, b.registry)

	return &App{
		config:  b.config,
		engine:  eng,
		handler: handler,
	}, nil
}

// App is a running Autolyst application.
type App struct {
	config  Config
	engine  *engine.Engine
	handler *httpapi.Handler
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Start runs the engine and the HTTP server. Blocks until ctx is done, then
// shuts down gracefully.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    a.config.ServerAddr,
		Handler: a.handler.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("autolyst server listening", "addr", a.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	a.engine.Stop()
	return a.engine.Store().Close()
}

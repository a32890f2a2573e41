package autolyst

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autolyst-dev/autolyst/datasource"
	"github.com/autolyst-dev/autolyst/eventbus"
	"github.com/autolyst-dev/autolyst/gateway"
	gwAnthropic "github.com/autolyst-dev/autolyst/gateway/anthropic"
	gwOpenAI "github.com/autolyst-dev/autolyst/gateway/openai"
	"github.com/autolyst-dev/autolyst/sandbox"
	sqliteStore "github.com/autolyst-dev/autolyst/store/sqlite"
)

// applyDefaults fills in missing fields on the builder with sensible defaults.
func applyDefaults(b *Builder) error {
	// Config defaults.
	if b.config.ServerAddr == "" {
		b.config.ServerAddr = ":7080"
	}
	if b.config.DataDir == "" {
		b.config.DataDir = defaultDataDir()
	}
	if b.config.DatabasePath == "" {
		b.config.DatabasePath = filepath.Join(b.config.DataDir, "autolyst.db")
	}
	if b.config.WorkspaceRoot == "" {
		b.config.WorkspaceRoot = filepath.Join(b.config.DataDir, "workspaces")
	}
	if b.config.PythonBin == "" {
		b.config.PythonBin = "python3"
	}
	if b.config.PoolSize == 0 {
		b.config.PoolSize = 4
	}
	if b.config.MaxRounds == 0 {
		b.config.MaxRounds = 20
	}
	if b.config.ExecTimeout == 0 {
		b.config.ExecTimeout = 2 * time.Minute
	}
	if b.config.SessionTTL == 0 {
		b.config.SessionTTL = 2 * time.Hour
	}
	if b.config.Sampling == (gateway.Sampling{}) {
		b.config.Sampling = gateway.Sampling{
			Temperature: 0.2,
			TopP:        0.95,
			MaxTokens:   8192,
		}
	}

	// Ensure data and workspace directories exist.
	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.MkdirAll(b.config.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	// Event bus.
	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	// Runner: Python interpreter behind a concurrency-capped pool.
	if b.runner == nil {
		py := sandbox.NewPythonRunner()
		py.Python = b.config.PythonBin
		b.runner = sandbox.NewPool(py, b.config.PoolSize)
	}

	// Model gateway.
	if b.gateway == nil {
		gw := gatewayFromEnv(b.config.Model)
		if gw == nil {
			return fmt.Errorf("no model gateway configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or use WithGateway")
		}
		b.gateway = gw
	}
	if b.config.GatewayRPM > 0 {
		b.gateway = gateway.NewRateLimited(b.gateway, b.config.GatewayRPM)
	}

	// Datasource registry with the built-in connector kinds.
	if b.registry == nil {
		key, err := datasource.LoadKey(b.config.DataDir)
		if err != nil {
			return fmt.Errorf("loading datasource key: %w", err)
		}
		sealer, err := datasource.NewSealer(key)
		if err != nil {
			return fmt.Errorf("initializing credential sealer: %w", err)
		}
		b.registry = datasource.NewRegistry(sealer, 0)
		b.registry.RegisterKind(datasource.KindPostgres, datasource.NewPostgres)
		b.registry.RegisterKind(datasource.KindAzureBlob, datasource.NewAzureBlob)
	}

	return nil
}

// gatewayFromEnv creates a model gateway from environment variables.
// Returns nil if no API key is found.
func gatewayFromEnv(model string) gateway.Gateway {
	if model == "" {
		model = os.Getenv("AUTOLYST_MODEL")
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return gwAnthropic.New(key, model)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return gwOpenAI.New(os.Getenv("OPENAI_BASE_URL"), key, model)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autolyst"
	}
	return filepath.Join(home, ".autolyst")
}

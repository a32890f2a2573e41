package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/autolyst-dev/autolyst"
	"github.com/autolyst-dev/autolyst/gateway"
	"github.com/autolyst-dev/autolyst/internal/config"
	"github.com/autolyst-dev/autolyst/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Autolyst server",
	Long: `Start the Autolyst HTTP server.

Configuration is read from environment variables (AUTOLYST_* prefix)
and from config.yaml in the data directory. An API key for a model
provider must be set: ANTHROPIC_API_KEY or OPENAI_API_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present (ignore error if not found)
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		closeLogs, err := logging.Setup(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		defer closeLogs()
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

		app, err := autolyst.NewBuilder().
			WithConfig(autolyst.Config{
				ServerAddr:    cfg.ServerAddr,
				DataDir:       cfg.DataDir,
				DatabasePath:  cfg.DatabasePath,
				WorkspaceRoot: cfg.WorkspaceRoot,
				PythonBin:     cfg.PythonBin,
				PoolSize:      cfg.PoolSize,
				MaxRounds:     cfg.MaxRounds,
				ExecTimeout:   cfg.ExecTimeout,
				SessionTTL:    cfg.SessionTTL,
				Model:         cfg.Model,
				Sampling: gateway.Sampling{
					Temperature: cfg.Temperature,
					TopP:        cfg.TopP,
					MaxTokens:   cfg.MaxTokens,
				},
				GatewayRPM: cfg.GatewayRPM,
			}).
			Build()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		return app.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

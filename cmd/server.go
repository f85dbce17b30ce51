/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jjudge-oj/authgate/config"
	"github.com/jjudge-oj/authgate/internal/server"
	"github.com/jjudge-oj/authgate/internal/telemetry"
	"github.com/spf13/cobra"
)

const tracingFlushTimeout = 5 * time.Second

// setupTracing is replaced in tests.
var setupTracing = telemetry.Setup

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the authgate server",
	Long: `Starts the authgate server. Usage:

	authgate server
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(true)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runServer(cmd.Context(), cfg, logger)
	},
}

// runServer serves until a shutdown signal. Buffered spans are flushed on
// every return path, including startup failures.
func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := setupTracing(ctx, "authgate", cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	}()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start server", slog.String("error", err.Error()))
		return fmt.Errorf("failed to start server: %w", err)
	}
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

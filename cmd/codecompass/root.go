package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codecompass/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "codecompass",
	Short: "Streamed code indexing, planning and error analysis",
	Long: `codecompass indexes codebases into a similarity store and answers plan and
error-analysis requests with retrieval-augmented generation. Clients connect to
the gateway over a websocket; jobs reach workers through a broker.`,
	SilenceUsage: true,
}

// loadConfig loads configuration and installs the process logger. withStore
// additionally requires the store and embedding settings.
func loadConfig(withStore bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if withStore {
		if err := cfg.RequireStore(); err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	logger := cfg.NewLogger()
	logger.Debug("logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

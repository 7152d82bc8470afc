package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a job worker",
	Long: `Run a worker. It consumes jobs from the broker at BROKER_URL, indexes code into
the configured store and streams plan and error-analysis output back.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var c cleanups
	defer c.run()

	b, err := dialBroker(ctx, cfg)
	if err != nil {
		return err
	}
	c.add(b.Close)

	store, err := openStore(ctx, cfg, &c)
	if err != nil {
		return err
	}

	w, err := buildWorker(ctx, cfg, b, store, &c)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("stopping worker")
	w.Stop()
	return nil
}

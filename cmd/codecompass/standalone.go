package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"codecompass/internal/broker"
	"codecompass/internal/gateway"
	"codecompass/internal/handlers"
	"codecompass/internal/http"
	"codecompass/internal/jobs"
)

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run gateway, broker and worker in one process",
	Long: `Run every component in one process over an in-memory broker. The relay is
also served on /broker so extra workers can join; each job still reaches
exactly one worker.`,
	RunE: runStandalone,
}

func init() {
	rootCmd.AddCommand(standaloneCmd)
}

func runStandalone(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var c cleanups
	defer c.run()

	mb := broker.NewMemoryBroker(jobs.PendingChannel)
	c.add(mb.Close)
	relay := broker.NewServer(mb)
	c.add(relay.Close)

	store, err := openStore(ctx, cfg, &c)
	if err != nil {
		return err
	}

	w, err := buildWorker(ctx, cfg, mb, store, &c)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer func() {
		slog.Info("stopping worker")
		w.Stop()
	}()

	g := gateway.New(mb, gateway.Options{ResultTimeout: cfg.JobResultTimeout})
	router := http.NewRouter(&http.Deps{
		Gateway: g,
		Relay:   relay,
		HealthChecks: map[string]handlers.Pinger{
			"broker": mb,
			"store":  store,
		},
	})
	return serve(ctx, "standalone", ":"+cfg.APIPort, router)
}

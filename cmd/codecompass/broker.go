package main

import (
	"github.com/spf13/cobra"

	"codecompass/internal/broker"
	"codecompass/internal/handlers"
	"codecompass/internal/http"
	"codecompass/internal/jobs"
)

var brokerPort string

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the websocket broker relay",
	Long: `Run the in-memory broker behind a websocket relay on /broker. Gateways and
workers started with BROKER_URL=ws://<host>:<port>/broker share its channels.
Pending jobs are a queue: each goes to one worker.`,
	RunE: runBroker,
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.Flags().StringVar(&brokerPort, "port", "", "Port to listen on (overrides BROKER_PORT)")
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if brokerPort != "" {
		cfg.BrokerPort = brokerPort
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	mb := broker.NewMemoryBroker(jobs.PendingChannel)
	defer mb.Close()
	relay := broker.NewServer(mb)
	defer relay.Close()

	router := http.NewRouter(&http.Deps{
		Relay:        relay,
		HealthChecks: map[string]handlers.Pinger{"broker": mb},
	})
	return serve(ctx, "broker", ":"+cfg.BrokerPort, router)
}

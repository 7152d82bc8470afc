package main

import (
	"github.com/spf13/cobra"

	"codecompass/internal/gateway"
	"codecompass/internal/handlers"
	"codecompass/internal/http"
)

var gatewayPort string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the client-facing websocket gateway",
	Long: `Run the gateway. Clients connect to /ws?ownerId=<owner>, send requests and
receive streamed results. Jobs are published to the broker at BROKER_URL.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringVar(&gatewayPort, "port", "", "Port to listen on (overrides API_PORT)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if gatewayPort != "" {
		cfg.APIPort = gatewayPort
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	b, err := dialBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	g := gateway.New(b, gateway.Options{ResultTimeout: cfg.JobResultTimeout})
	router := http.NewRouter(&http.Deps{
		Gateway:      g,
		HealthChecks: map[string]handlers.Pinger{"broker": b},
	})
	return serve(ctx, "gateway", ":"+cfg.APIPort, router)
}

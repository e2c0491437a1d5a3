package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-dash/internal/gateway"
	"procodus.dev/fleet-dash/pkg/metrics"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the HTTP gateway",
	Long: `Run the HTTP JSON gateway that:
- Validates page and page_size before calling the backend
- Serves rankings, device detail, fleet summary and cycle tallies
- Connects to the backend gRPC API
- Exposes /health and /metrics`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	gatewayCmd.Flags().Int("http-port", 8080, "HTTP server port")
	gatewayCmd.Flags().String("backend-addr", "localhost:9090", "Backend gRPC server address")
	gatewayCmd.Flags().Duration("request-timeout", gateway.DefaultRequestTimeout, "Timeout of each backend call")

	_ = viper.BindPFlag("gateway.http.port", gatewayCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("gateway.backend.addr", gatewayCmd.Flags().Lookup("backend-addr"))
	_ = viper.BindPFlag("gateway.backend.timeout", gatewayCmd.Flags().Lookup("request-timeout"))
}

func runGateway(_ *cobra.Command, _ []string) error {
	logger := GetLogger("gateway")
	logger.Info("starting gateway service")

	config := &gateway.ServerConfig{
		Logger:          logger,
		HTTPPort:        viper.GetInt("gateway.http.port"),
		BackendGRPCAddr: viper.GetString("gateway.backend.addr"),
		RequestTimeout:  viper.GetDuration("gateway.backend.timeout"),
		Metrics:         metrics.NewGatewayMetrics(metrics.Namespace),
	}

	server, err := gateway.NewServer(config)
	if err != nil {
		logger.Error("failed to create gateway server", "error", err)
		return err
	}

	logger.Info("gateway server configuration",
		"http_port", config.HTTPPort,
		"backend_addr", config.BackendGRPCAddr,
		"request_timeout", config.RequestTimeout,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("gateway server error", "error", err)
		return err
	}

	logger.Info("gateway server stopped")
	return nil
}

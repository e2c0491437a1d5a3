package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-dash/internal/backend"
	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/metrics"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Ranks devices by anomaly status and SOC delta over the rolling window
- Detects SOC drop and odometer stall anomalies in 2h buckets
- Runs cycle tally passes requested over RabbitMQ
- Serves the FleetService gRPC API and Prometheus metrics`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	addDBFlags(backendCmd, "backend")
	addRabbitFlags(backendCmd, "backend")

	backendCmd.Flags().Bool("migrate-telemetry", false, "Create the telemetry table and hypertable when missing")
	backendCmd.Flags().Int("grpc-port", 9090, "gRPC server port")
	backendCmd.Flags().Int("metrics-port", 9091, "Metrics and health port (0 disables)")
	backendCmd.Flags().Int("workers", 2, "Concurrent queries per ranking request")
	backendCmd.Flags().String("redis-addr", "", "Redis address for the ranking cache (empty disables)")
	backendCmd.Flags().String("redis-password", "", "Redis password")
	backendCmd.Flags().Int("redis-db", 0, "Redis database")
	backendCmd.Flags().Duration("cache-ttl", 0, "Ranking cache TTL (0 uses the default)")

	defaults := fleet.DefaultPolicy()
	backendCmd.Flags().Duration("summary-window", defaults.SummaryWindow, "Rolling ranking window")
	backendCmd.Flags().Duration("bucket-width", defaults.BucketWidth, "Anomaly aggregation bucket width")
	backendCmd.Flags().Float64("drop-threshold", defaults.DropThreshold, "SOC drop between buckets flagged high")
	backendCmd.Flags().Float64("outlier-sigma", defaults.OutlierSigma, "Stddev multiplier of the SOC outlier rule")
	backendCmd.Flags().Float64("no-movement-km", defaults.NoMovementKM, "Bucket odometer range flagged high")
	backendCmd.Flags().Float64("low-movement-km", defaults.LowMovementKM, "Bucket odometer range flagged medium")

	_ = viper.BindPFlag("backend.db.migrate_telemetry", backendCmd.Flags().Lookup("migrate-telemetry"))
	_ = viper.BindPFlag("backend.grpc.port", backendCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("backend.metrics.port", backendCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("backend.workers", backendCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("backend.redis.addr", backendCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("backend.redis.password", backendCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("backend.redis.db", backendCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("backend.redis.ttl", backendCmd.Flags().Lookup("cache-ttl"))
	_ = viper.BindPFlag("policy.summary_window", backendCmd.Flags().Lookup("summary-window"))
	_ = viper.BindPFlag("policy.bucket_width", backendCmd.Flags().Lookup("bucket-width"))
	_ = viper.BindPFlag("policy.drop_threshold", backendCmd.Flags().Lookup("drop-threshold"))
	_ = viper.BindPFlag("policy.outlier_sigma", backendCmd.Flags().Lookup("outlier-sigma"))
	_ = viper.BindPFlag("policy.no_movement_km", backendCmd.Flags().Lookup("no-movement-km"))
	_ = viper.BindPFlag("policy.low_movement_km", backendCmd.Flags().Lookup("low-movement-km"))
}

func policyFromConfig() fleet.Policy {
	return fleet.Policy{
		SummaryWindow: viper.GetDuration("policy.summary_window"),
		BucketWidth:   viper.GetDuration("policy.bucket_width"),
		DropThreshold: viper.GetFloat64("policy.drop_threshold"),
		OutlierSigma:  viper.GetFloat64("policy.outlier_sigma"),
		NoMovementKM:  viper.GetFloat64("policy.no_movement_km"),
		LowMovementKM: viper.GetFloat64("policy.low_movement_km"),
	}
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger("backend")
	logger.Info("starting backend service")

	db := dbConfig("backend", logger)
	config := &backend.ServerConfig{
		Logger:           logger,
		DBHost:           db.Host,
		DBPort:           db.Port,
		DBUser:           db.User,
		DBPassword:       db.Password,
		DBName:           db.DBName,
		DBSSLMode:        db.SSLMode,
		Table:            viper.GetString("backend.db.table"),
		MigrateTelemetry: viper.GetBool("backend.db.migrate_telemetry"),
		Policy:           policyFromConfig(),
		Workers:          viper.GetInt("backend.workers"),
		RedisAddr:        viper.GetString("backend.redis.addr"),
		RedisPassword:    viper.GetString("backend.redis.password"),
		RedisDB:          viper.GetInt("backend.redis.db"),
		CacheTTL:         viper.GetDuration("backend.redis.ttl"),
		RabbitMQURL:      viper.GetString("backend.rabbitmq.url"),
		QueueName:        viper.GetString("backend.rabbitmq.queue_name"),
		GRPCPort:         viper.GetInt("backend.grpc.port"),
		MetricsPort:      viper.GetInt("backend.metrics.port"),
		Metrics:          metrics.NewBackendMetrics(metrics.Namespace),
		MQMetrics:        metrics.NewMQMetrics(metrics.Namespace),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"table", config.Table,
		"rabbitmq_url", config.RabbitMQURL,
		"queue", config.QueueName,
		"grpc_port", config.GRPCPort,
		"metrics_port", config.MetricsPort,
		"cache_enabled", config.RedisAddr != "",
		"summary_window", config.Policy.SummaryWindow,
		"bucket_width", config.Policy.BucketWidth,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}

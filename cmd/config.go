package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-dash/internal/backend"
	"procodus.dev/fleet-dash/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fleet-dash/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// FLEET_DASH_BACKEND_DB_HOST overrides backend.db.host, and so on.
	viper.SetEnvPrefix("FLEET_DASH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates the service logger from log.level and log.format.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Service: service,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  logger.ParseFormat(viper.GetString("log.format")),
	})
}

// addDBFlags declares PostgreSQL flags on cmd and binds them under prefix.db.*.
// Each command uses its own prefix so bindings never shadow each other.
func addDBFlags(cmd *cobra.Command, prefix string) {
	cmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "fleet", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	cmd.Flags().String("table", backend.DefaultTelemetryTable, "Telemetry table (schema.table)")

	_ = viper.BindPFlag(prefix+".db.host", cmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag(prefix+".db.port", cmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag(prefix+".db.user", cmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag(prefix+".db.password", cmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag(prefix+".db.name", cmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag(prefix+".db.sslmode", cmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag(prefix+".db.table", cmd.Flags().Lookup("table"))
}

func dbConfig(prefix string, log *slog.Logger) *backend.DBConfig {
	return &backend.DBConfig{
		Logger:   log,
		Host:     viper.GetString(prefix + ".db.host"),
		Port:     viper.GetInt(prefix + ".db.port"),
		User:     viper.GetString(prefix + ".db.user"),
		Password: viper.GetString(prefix + ".db.password"),
		DBName:   viper.GetString(prefix + ".db.name"),
		SSLMode:  viper.GetString(prefix + ".db.sslmode"),
	}
}

// addRabbitFlags declares RabbitMQ flags on cmd and binds them under prefix.rabbitmq.*.
func addRabbitFlags(cmd *cobra.Command, prefix string) {
	cmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	cmd.Flags().String("queue-name", "cycle-tally-trigger", "RabbitMQ queue carrying tally run requests")

	_ = viper.BindPFlag(prefix+".rabbitmq.url", cmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag(prefix+".rabbitmq.queue_name", cmd.Flags().Lookup("queue-name"))
}

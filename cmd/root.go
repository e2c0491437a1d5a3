// Package main provides the unified CLI entry point for the fleet-dash services.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "fleet-dash",
		Short: "Battery fleet ranking and anomaly engine",
		Long: `Battery fleet monitoring services:
- backend: ranking engine, cycle tally and gRPC API over TimescaleDB telemetry
- gateway: HTTP JSON API in front of the backend
- tally: trigger, schedule or run cycle tally passes
- seed: load synthetic battery telemetry

Every flag can also be set in config.yaml or as FLEET_DASH_<KEY>.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fleet-dash:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/fleet-dash/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")

	for key, flag := range map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

// initConfig reads the config file and environment before any command runs.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "fleet-dash: load config: %v\n", err)
		os.Exit(1)
	}
}

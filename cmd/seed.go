package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-dash/internal/backend"
	"procodus.dev/fleet-dash/pkg/generator"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load synthetic battery telemetry",
	Long: `Generate synthetic battery telemetry and insert it into the telemetry table.
A share of the fleet gets an injected discharge spike or a stalled odometer so
the ranking has anomalies to surface.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	addDBFlags(seedCmd, "seed")

	seedCmd.Flags().Bool("migrate", true, "Create the telemetry table and hypertable when missing")
	seedCmd.Flags().Int("devices", 50, "Number of batteries")
	seedCmd.Flags().Float64("spike-ratio", 0.1, "Share of batteries with a discharge spike")
	seedCmd.Flags().Float64("stall-ratio", 0.1, "Share of batteries with a stalled odometer")
	seedCmd.Flags().Float64("legacy-ratio", 0.05, "Share of batteries without a device id")
	seedCmd.Flags().Duration("interval", generator.DefaultInterval, "Sampling interval")
	seedCmd.Flags().Duration("window", generator.DefaultWindow, "Span of generated history ending now")
	seedCmd.Flags().Uint64("seed", 0, "Random seed (0 picks one)")

	_ = viper.BindPFlag("seed.db.migrate", seedCmd.Flags().Lookup("migrate"))
	_ = viper.BindPFlag("seed.devices", seedCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("seed.spike_ratio", seedCmd.Flags().Lookup("spike-ratio"))
	_ = viper.BindPFlag("seed.stall_ratio", seedCmd.Flags().Lookup("stall-ratio"))
	_ = viper.BindPFlag("seed.legacy_ratio", seedCmd.Flags().Lookup("legacy-ratio"))
	_ = viper.BindPFlag("seed.interval", seedCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("seed.window", seedCmd.Flags().Lookup("window"))
	_ = viper.BindPFlag("seed.seed", seedCmd.Flags().Lookup("seed"))
}

// toRows converts generated readings into telemetry table rows; blank ids stay NULL.
func toRows(readings []generator.Reading) []backend.TelemetryRow {
	optional := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}

	rows := make([]backend.TelemetryRow, len(readings))
	for i, r := range readings {
		soc, odo := r.SOCPercent, r.OdometerKM
		rows[i] = backend.TelemetryRow{
			TS:            r.TS,
			DeviceID:      optional(r.DeviceID),
			BatteryID:     optional(r.BatteryID),
			BatterySOCPct: &soc,
			OdoMeterKM:    &odo,
		}
	}
	return rows
}

func runSeed(_ *cobra.Command, _ []string) error {
	logger := GetLogger("seed")
	ctx := context.Background()

	gen, err := generator.New(generator.Config{
		Seed:        viper.GetUint64("seed.seed"),
		Devices:     viper.GetInt("seed.devices"),
		SpikeRatio:  viper.GetFloat64("seed.spike_ratio"),
		StallRatio:  viper.GetFloat64("seed.stall_ratio"),
		LegacyRatio: viper.GetFloat64("seed.legacy_ratio"),
		Interval:    viper.GetDuration("seed.interval"),
		Window:      viper.GetDuration("seed.window"),
	})
	if err != nil {
		return fmt.Errorf("invalid seed options: %w", err)
	}

	db, err := backend.NewDB(dbConfig("seed", logger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := backend.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	table := viper.GetString("seed.db.table")
	if viper.GetBool("seed.db.migrate") {
		if err := backend.MigrateTelemetry(db, table, true); err != nil {
			return fmt.Errorf("failed to migrate telemetry table: %w", err)
		}
	}

	store, err := backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
		Logger: logger,
		DB:     db,
		Table:  table,
	})
	if err != nil {
		return err
	}

	batteries, readings := gen.Generate()

	start := time.Now()
	if err := store.Insert(ctx, toRows(readings)); err != nil {
		logger.Error("failed to insert telemetry", "error", err)
		return err
	}

	profiles := map[generator.Profile]int{}
	for _, b := range batteries {
		profiles[b.Profile]++
	}

	logger.Info("seeded telemetry",
		"table", table,
		"batteries", len(batteries),
		"readings", len(readings),
		"spike", profiles[generator.ProfileSpike],
		"stalled", profiles[generator.ProfileStalled],
		"duration", time.Since(start),
	)
	return nil
}

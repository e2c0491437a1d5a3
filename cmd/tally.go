package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-dash/internal/backend"
	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/internal/scheduler"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/mq"
)

var tallyCmd = &cobra.Command{
	Use:   "tally",
	Short: "Cycle tally operations",
	Long: `Cycle tally operations:
- trigger: publish one tally run request for the backend
- schedule: publish tally run requests on a cron schedule
- run: run one tally pass directly against the database`,
}

var tallyTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Publish one tally run request",
	RunE:  runTallyTrigger,
}

var tallyScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Publish tally run requests on a cron schedule",
	RunE:  runTallySchedule,
}

var tallyRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one tally pass without the backend",
	RunE:  runTallyPass,
}

func init() {
	rootCmd.AddCommand(tallyCmd)
	tallyCmd.AddCommand(tallyTriggerCmd, tallyScheduleCmd, tallyRunCmd)

	addRabbitFlags(tallyTriggerCmd, "tally.trigger")
	tallyTriggerCmd.Flags().Duration("timeout", 30*time.Second, "Time to wait for the broker")
	_ = viper.BindPFlag("tally.trigger.timeout", tallyTriggerCmd.Flags().Lookup("timeout"))

	addRabbitFlags(tallyScheduleCmd, "tally.schedule")
	tallyScheduleCmd.Flags().String("cron", scheduler.DefaultSchedule, "Cron spec with a leading seconds field")
	tallyScheduleCmd.Flags().Bool("run-on-start", false, "Publish one request immediately on start")
	_ = viper.BindPFlag("tally.schedule.cron", tallyScheduleCmd.Flags().Lookup("cron"))
	_ = viper.BindPFlag("tally.schedule.run_on_start", tallyScheduleCmd.Flags().Lookup("run-on-start"))

	addDBFlags(tallyRunCmd, "tally.run")
}

func newTriggerClient(logger *slog.Logger, prefix string, m *metrics.MQMetrics) (*mq.Client, error) {
	return mq.New(&mq.Config{
		Logger:  logger,
		URL:     viper.GetString(prefix + ".rabbitmq.url"),
		Queue:   viper.GetString(prefix + ".rabbitmq.queue_name"),
		Durable: true,
		Metrics: m,
	})
}

func runTallyTrigger(_ *cobra.Command, _ []string) error {
	logger := GetLogger("tally")

	client, err := newTriggerClient(logger, "tally.trigger", nil)
	if err != nil {
		logger.Error("failed to create mq client", "error", err)
		return err
	}

	s, err := scheduler.New(&scheduler.Config{
		Logger:    logger,
		Publisher: client,
		Source:    "cli",
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("tally.trigger.timeout"))
	defer cancel()

	if err := client.WaitReady(ctx); err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("broker not ready: %w", err)
	}

	trigger, triggerErr := s.Trigger(ctx)
	if err := errors.Join(triggerErr, s.Shutdown()); err != nil {
		logger.Error("failed to request tally run", "error", err)
		return err
	}

	fmt.Println(trigger.ID)
	return nil
}

func runTallySchedule(_ *cobra.Command, _ []string) error {
	logger := GetLogger("tally-scheduler")
	logger.Info("starting tally scheduler")

	client, err := newTriggerClient(logger, "tally.schedule", metrics.NewMQMetrics(metrics.Namespace))
	if err != nil {
		logger.Error("failed to create mq client", "error", err)
		return err
	}

	s, err := scheduler.New(&scheduler.Config{
		Logger:     logger,
		Publisher:  client,
		Schedule:   viper.GetString("tally.schedule.cron"),
		RunOnStart: viper.GetBool("tally.schedule.run_on_start"),
		Metrics:    metrics.NewSchedulerMetrics(metrics.Namespace),
	})
	if err != nil {
		_ = client.Close()
		logger.Error("failed to create tally scheduler", "error", err)
		return err
	}

	if err := s.Run(context.Background()); err != nil {
		logger.Error("tally scheduler error", "error", err)
		return err
	}
	return nil
}

func runTallyPass(_ *cobra.Command, _ []string) error {
	logger := GetLogger("tally")
	ctx := context.Background()

	db, err := backend.NewDB(dbConfig("tally.run", logger))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := backend.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	telemetryStore, err := backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
		Logger: logger,
		DB:     db,
		Table:  viper.GetString("tally.run.db.table"),
	})
	if err != nil {
		return err
	}

	tallyStore, err := backend.NewTallyStore(logger, db, nil)
	if err != nil {
		return err
	}

	updater, err := fleet.NewTallyUpdater(&fleet.TallyUpdaterConfig{
		Logger:    logger,
		Telemetry: telemetryStore,
		Tally:     tallyStore,
	})
	if err != nil {
		return err
	}

	updated, err := updater.Process(ctx)
	if err != nil {
		logger.Error("tally pass failed", "error", err)
		return err
	}

	logger.Info("tally pass completed", "updated", updated)
	return nil
}

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// ErrInvalidTally is returned for a malformed manual tally overwrite.
var ErrInvalidTally = errors.New("invalid cycle tally")

// TallyUpdaterConfig holds the configuration for the TallyUpdater.
type TallyUpdaterConfig struct {
	Logger    *slog.Logger
	Telemetry TelemetryStore
	Tally     TallyStore
	Metrics   *metrics.BackendMetrics
	Now       func() time.Time
}

// TallyUpdater maintains the monotonic per-battery cycle totals incrementally.
type TallyUpdater struct {
	logger    *slog.Logger
	telemetry TelemetryStore
	tally     TallyStore
	metrics   *metrics.BackendMetrics
	now       func() time.Time

	// mu serializes runs; read-then-write per battery must not interleave.
	mu sync.Mutex
}

// NewTallyUpdater creates a new TallyUpdater.
func NewTallyUpdater(cfg *TallyUpdaterConfig) (*TallyUpdater, error) {
	if cfg == nil {
		return nil, errors.New("tally updater config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Telemetry == nil {
		return nil, errors.New("telemetry store cannot be nil")
	}

	if cfg.Tally == nil {
		return nil, errors.New("tally store cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &TallyUpdater{
		logger:    cfg.Logger,
		telemetry: cfg.Telemetry,
		tally:     cfg.Tally,
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// Process advances the tally of every known battery and returns how many
// entries were created or incremented.
//
// A battery seen for the first time gets a zero baseline at its latest reading,
// so history before the first run is never counted. Afterwards only readings
// from the last processed timestamp onward are summed.
func (u *TallyUpdater) Process(ctx context.Context) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids, err := u.telemetry.BatteryIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list battery ids: %w", err)
	}

	updated := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		changed, err := u.processBattery(ctx, id)
		if err != nil {
			return updated, fmt.Errorf("battery %s: %w", id, err)
		}
		if changed {
			updated++
		}
	}

	if u.metrics != nil {
		u.metrics.TallyRunsTotal.Inc()
		u.metrics.TallyBatteriesUpdated.Add(float64(updated))
	}

	u.logger.Info("cycle tally processed", "batteries", len(ids), "updated", updated)
	return updated, nil
}

func (u *TallyUpdater) processBattery(ctx context.Context, batteryID string) (bool, error) {
	latest, ok, err := u.telemetry.LatestTimestamp(ctx, batteryID)
	if err != nil {
		return false, fmt.Errorf("latest timestamp: %w", err)
	}
	if !ok {
		return false, nil
	}

	entry, found, err := u.tally.GetTally(ctx, batteryID)
	if err != nil {
		return false, fmt.Errorf("get tally: %w", err)
	}

	if !found {
		baseline := telemetry.CycleTallyEntry{
			BatteryID:     batteryID,
			TotalCycles:   0,
			LastProcessed: latest,
			UpdatedAt:     u.now(),
		}
		if err := u.tally.SaveTally(ctx, baseline); err != nil {
			return false, fmt.Errorf("create baseline: %w", err)
		}
		u.logger.Debug("cycle tally baseline created", "battery_id", batteryID, "last_ts", latest)
		return true, nil
	}

	if !entry.LastProcessed.Before(latest) {
		return false, nil
	}

	// The reading at LastProcessed seeds the first transition.
	readings, err := u.telemetry.BatteryReadings(ctx, batteryID, entry.LastProcessed, latest)
	if err != nil {
		return false, fmt.Errorf("load readings: %w", err)
	}

	increment := DischargeSum(SOCSeries(readings)) / 100
	entry.TotalCycles = Round(entry.TotalCycles+increment, 3)
	entry.LastProcessed = latest
	entry.UpdatedAt = u.now()

	if err := u.tally.SaveTally(ctx, entry); err != nil {
		return false, fmt.Errorf("save tally: %w", err)
	}

	u.logger.Debug("cycle tally incremented",
		"battery_id", batteryID,
		"increment", increment,
		"total", entry.TotalCycles,
	)
	return true, nil
}

// SetTotal overwrites the total of a battery, creating the entry when missing.
// A new entry is baselined at the battery's latest reading, or now when it has none.
func (u *TallyUpdater) SetTotal(ctx context.Context, batteryID string, total float64) (telemetry.CycleTallyEntry, error) {
	batteryID = strings.TrimSpace(batteryID)
	if batteryID == "" {
		return telemetry.CycleTallyEntry{}, fmt.Errorf("%w: battery_id cannot be empty", ErrInvalidTally)
	}
	if total < 0 {
		return telemetry.CycleTallyEntry{}, fmt.Errorf("%w: total_cycles cannot be negative", ErrInvalidTally)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	entry, found, err := u.tally.GetTally(ctx, batteryID)
	if err != nil {
		return telemetry.CycleTallyEntry{}, fmt.Errorf("get tally: %w", err)
	}

	if !found {
		latest, ok, err := u.telemetry.LatestTimestamp(ctx, batteryID)
		if err != nil {
			return telemetry.CycleTallyEntry{}, fmt.Errorf("latest timestamp: %w", err)
		}
		if !ok {
			latest = u.now()
		}
		entry = telemetry.CycleTallyEntry{BatteryID: batteryID, LastProcessed: latest}
	}

	entry.TotalCycles = Round(total, 3)
	entry.UpdatedAt = u.now()

	if err := u.tally.SaveTally(ctx, entry); err != nil {
		return telemetry.CycleTallyEntry{}, fmt.Errorf("save tally: %w", err)
	}

	u.logger.Info("cycle tally overwritten", "battery_id", batteryID, "total", entry.TotalCycles)
	return entry, nil
}

// List returns every tally entry sorted by battery ID.
func (u *TallyUpdater) List(ctx context.Context) ([]telemetry.CycleTallyEntry, error) {
	entries, err := u.tally.ListTallies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}
	return entries, nil
}

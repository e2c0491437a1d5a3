package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// TallyStore persists cycle tally entries in the battery_cycle_tally table.
type TallyStore struct {
	logger   *slog.Logger
	db       *gorm.DB
	observer dbObserver
}

var _ fleet.TallyStore = (*TallyStore)(nil)

// NewTallyStore creates a new TallyStore.
func NewTallyStore(logger *slog.Logger, db *gorm.DB, m *metrics.BackendMetrics) (*TallyStore, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &TallyStore{
		logger:   logger,
		db:       db,
		observer: dbObserver{metrics: m},
	}, nil
}

func toEntry(row CycleTally) telemetry.CycleTallyEntry {
	return telemetry.CycleTallyEntry{
		BatteryID:     row.BatteryID,
		TotalCycles:   row.TotalCycles,
		LastProcessed: row.LastTS,
		UpdatedAt:     row.UpdatedAt,
	}
}

// GetTally returns the entry of a battery; ok is false when none exists.
func (s *TallyStore) GetTally(ctx context.Context, batteryID string) (entry telemetry.CycleTallyEntry, ok bool, err error) {
	done := s.observer.start("tally_get")
	defer func() { done(err) }()

	var row CycleTally
	err = s.db.WithContext(ctx).Where("battery_id = ?", batteryID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return telemetry.CycleTallyEntry{}, false, nil
	}
	if err != nil {
		return telemetry.CycleTallyEntry{}, false, fmt.Errorf("get tally %s: %w", batteryID, err)
	}
	return toEntry(row), true, nil
}

// SaveTally upserts an entry keyed by battery ID.
func (s *TallyStore) SaveTally(ctx context.Context, entry telemetry.CycleTallyEntry) (err error) {
	done := s.observer.start("tally_save")
	defer func() { done(err) }()

	row := CycleTally{
		BatteryID:   entry.BatteryID,
		TotalCycles: entry.TotalCycles,
		LastTS:      entry.LastProcessed,
		UpdatedAt:   entry.UpdatedAt,
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "battery_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_cycles", "last_ts", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("save tally %s: %w", entry.BatteryID, err)
	}
	return nil
}

// ListTallies returns every entry sorted by battery ID.
func (s *TallyStore) ListTallies(ctx context.Context) (entries []telemetry.CycleTallyEntry, err error) {
	done := s.observer.start("tally_list")
	defer func() { done(err) }()

	var rows []CycleTally
	if err := s.db.WithContext(ctx).Order("battery_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tallies: %w", err)
	}

	entries = make([]telemetry.CycleTallyEntry, len(rows))
	for i, row := range rows {
		entries[i] = toEntry(row)
	}
	return entries, nil
}

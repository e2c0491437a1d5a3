package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// deviceKeyExpr mirrors telemetry.Canonicalize in SQL so rows can be grouped
// per device before they reach Go.
const deviceKeyExpr = "COALESCE(NULLIF(TRIM(device_id), ''), NULLIF(TRIM(battery_id), ''))"

// DefaultQueryTimeout bounds every telemetry query.
const DefaultQueryTimeout = 30 * time.Second

// dbObserver records DB operation metrics. A nil metrics set disables it.
type dbObserver struct {
	metrics *metrics.BackendMetrics
}

// start begins timing operation; the returned func records the outcome.
func (o dbObserver) start(operation string) func(error) {
	if o.metrics == nil {
		return func(error) {}
	}

	timer := prometheus.NewTimer(o.metrics.DBOperationDuration.WithLabelValues(operation))
	return func(err error) {
		timer.ObserveDuration()
		status := "success"
		if err != nil {
			status = "error"
		}
		o.metrics.DBOperationsTotal.WithLabelValues(operation, status).Inc()
	}
}

// TelemetryStoreConfig holds the configuration for the TelemetryStore.
type TelemetryStoreConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// Table is the telemetry table, "table" or "schema.table".
	Table        string
	QueryTimeout time.Duration
	Metrics      *metrics.BackendMetrics
}

// TelemetryStore reads battery telemetry from PostgreSQL/TimescaleDB.
type TelemetryStore struct {
	logger   *slog.Logger
	db       *gorm.DB
	table    string
	timeout  time.Duration
	observer dbObserver
}

var _ fleet.TelemetryStore = (*TelemetryStore)(nil)

// NewTelemetryStore creates a new TelemetryStore.
func NewTelemetryStore(cfg *TelemetryStoreConfig) (*TelemetryStore, error) {
	if cfg == nil {
		return nil, errors.New("telemetry store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	if err := ValidateTableName(cfg.Table); err != nil {
		return nil, err
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	return &TelemetryStore{
		logger:   cfg.Logger,
		db:       cfg.DB,
		table:    cfg.Table,
		timeout:  timeout,
		observer: dbObserver{metrics: cfg.Metrics},
	}, nil
}

// Table returns the configured telemetry table.
func (s *TelemetryStore) Table() string {
	return s.table
}

// windowSource is the common CTE: readings inside [@start, @end] with their device key.
func (s *TelemetryStore) windowSource() string {
	return fmt.Sprintf(`WITH src AS (
	SELECT ts, device_id, battery_id, battery_soc_pct, odo_meter_km, %s AS device_key
	FROM %s
	WHERE ts >= @start AND ts <= @end
)`, deviceKeyExpr, s.table)
}

func keyStrings(keys []telemetry.DeviceKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func nullFloat(v sql.NullFloat64) float64 {
	if !v.Valid {
		return 0
	}
	return v.Float64
}

func nullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return strings.TrimSpace(v.String)
}

type firstLastRow struct {
	DeviceKey string          `gorm:"column:device_key"`
	DeviceID  sql.NullString  `gorm:"column:device_id"`
	BatteryID sql.NullString  `gorm:"column:battery_id"`
	FirstTS   time.Time       `gorm:"column:first_ts"`
	FirstSOC  sql.NullFloat64 `gorm:"column:first_soc"`
	FirstOdo  sql.NullFloat64 `gorm:"column:first_odo"`
	LastTS    time.Time       `gorm:"column:last_ts"`
	LastSOC   sql.NullFloat64 `gorm:"column:last_soc"`
	LastOdo   sql.NullFloat64 `gorm:"column:last_odo"`
	Readings  int             `gorm:"column:readings"`
}

// FirstLast returns the earliest and latest reading of every device inside w.
func (s *TelemetryStore) FirstLast(ctx context.Context, w fleet.Window) (summaries []telemetry.FirstLastSummary, err error) {
	done := s.observer.start("first_last")
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.windowSource() + `,
firsts AS (
	SELECT DISTINCT ON (device_key) device_key, device_id, battery_id, ts, battery_soc_pct, odo_meter_km
	FROM src WHERE device_key IS NOT NULL
	ORDER BY device_key, ts ASC
),
lasts AS (
	SELECT DISTINCT ON (device_key) device_key, device_id, battery_id, ts, battery_soc_pct, odo_meter_km
	FROM src WHERE device_key IS NOT NULL
	ORDER BY device_key, ts DESC
),
counts AS (
	SELECT device_key, COUNT(*) AS readings
	FROM src WHERE device_key IS NOT NULL
	GROUP BY device_key
)
SELECT
	f.device_key,
	COALESCE(l.device_id, f.device_id) AS device_id,
	COALESCE(l.battery_id, f.battery_id) AS battery_id,
	f.ts AS first_ts, f.battery_soc_pct AS first_soc, f.odo_meter_km AS first_odo,
	l.ts AS last_ts, l.battery_soc_pct AS last_soc, l.odo_meter_km AS last_odo,
	c.readings
FROM firsts f
JOIN lasts l ON l.device_key = f.device_key
JOIN counts c ON c.device_key = f.device_key
ORDER BY f.device_key`

	var rows []firstLastRow
	if err := s.db.WithContext(ctx).Raw(query, map[string]any{
		"start": w.Start,
		"end":   w.End,
	}).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query first/last readings: %w", err)
	}

	summaries = make([]telemetry.FirstLastSummary, 0, len(rows))
	for _, row := range rows {
		key, ok := telemetry.Canonicalize(row.DeviceKey, "")
		if !ok {
			continue
		}
		batteryID := nullString(row.BatteryID)
		summaries = append(summaries, telemetry.FirstLastSummary{
			Key:       key,
			BatteryID: batteryID,
			First: telemetry.RawReading{
				Timestamp:  row.FirstTS,
				Key:        key,
				BatteryID:  batteryID,
				SOCPercent: nullFloat(row.FirstSOC),
				OdometerKM: nullFloat(row.FirstOdo),
			},
			Last: telemetry.RawReading{
				Timestamp:  row.LastTS,
				Key:        key,
				BatteryID:  batteryID,
				SOCPercent: nullFloat(row.LastSOC),
				OdometerKM: nullFloat(row.LastOdo),
			},
			Readings: row.Readings,
		})
	}

	s.logger.Debug("loaded first/last readings", "devices", len(summaries), "window_start", w.Start)
	return summaries, nil
}

type bucketRow struct {
	BucketStart time.Time       `gorm:"column:bucket_start"`
	DeviceKey   string          `gorm:"column:device_key"`
	AvgSOC      sql.NullFloat64 `gorm:"column:avg_soc"`
	MaxOdo      sql.NullFloat64 `gorm:"column:max_odo"`
	MinOdo      sql.NullFloat64 `gorm:"column:min_odo"`
}

// AggregatedBuckets returns time_bucket aggregates ordered by device key then bucket start.
func (s *TelemetryStore) AggregatedBuckets(ctx context.Context, w fleet.Window, width time.Duration, keys []telemetry.DeviceKey) (buckets []telemetry.AggregatedBucket, err error) {
	done := s.observer.start("buckets")
	defer func() { done(err) }()

	if width <= 0 {
		return nil, fmt.Errorf("bucket width must be positive, got %s", width)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := map[string]any{
		"start": w.Start,
		"end":   w.End,
		"width": fmt.Sprintf("%d seconds", int64(width/time.Second)),
	}

	filter := ""
	if keys != nil {
		if len(keys) == 0 {
			return []telemetry.AggregatedBucket{}, nil
		}
		filter = " AND device_key IN @keys"
		args["keys"] = keyStrings(keys)
	}

	query := s.windowSource() + `
SELECT
	time_bucket(CAST(@width AS interval), ts) AS bucket_start,
	device_key,
	AVG(battery_soc_pct) AS avg_soc,
	MAX(odo_meter_km) AS max_odo,
	MIN(odo_meter_km) AS min_odo
FROM src
WHERE device_key IS NOT NULL` + filter + `
GROUP BY device_key, bucket_start
ORDER BY device_key, bucket_start`

	var rows []bucketRow
	if err := s.db.WithContext(ctx).Raw(query, args).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query aggregated buckets: %w", err)
	}

	buckets = make([]telemetry.AggregatedBucket, 0, len(rows))
	for _, row := range rows {
		key, ok := telemetry.Canonicalize(row.DeviceKey, "")
		if !ok {
			continue
		}
		buckets = append(buckets, telemetry.AggregatedBucket{
			Start:  row.BucketStart,
			Key:    key,
			AvgSOC: nullFloat(row.AvgSOC),
			MaxOdo: nullFloat(row.MaxOdo),
			MinOdo: nullFloat(row.MinOdo),
		})
	}

	return buckets, nil
}

type readingRow struct {
	TS        time.Time       `gorm:"column:ts"`
	DeviceID  sql.NullString  `gorm:"column:device_id"`
	BatteryID sql.NullString  `gorm:"column:battery_id"`
	SOC       sql.NullFloat64 `gorm:"column:battery_soc_pct"`
	Odo       sql.NullFloat64 `gorm:"column:odo_meter_km"`
}

func (r readingRow) toReading() (telemetry.RawReading, bool) {
	key, ok := telemetry.Canonicalize(nullString(r.DeviceID), nullString(r.BatteryID))
	if !ok {
		return telemetry.RawReading{}, false
	}
	return telemetry.RawReading{
		Timestamp:  r.TS,
		Key:        key,
		BatteryID:  nullString(r.BatteryID),
		SOCPercent: nullFloat(r.SOC),
		OdometerKM: nullFloat(r.Odo),
	}, true
}

func toReadings(rows []readingRow) []telemetry.RawReading {
	readings := make([]telemetry.RawReading, 0, len(rows))
	for _, row := range rows {
		if reading, ok := row.toReading(); ok {
			readings = append(readings, reading)
		}
	}
	return readings
}

// Readings returns raw readings inside w ordered by device key then timestamp.
func (s *TelemetryStore) Readings(ctx context.Context, w fleet.Window, keys []telemetry.DeviceKey) (readings []telemetry.RawReading, err error) {
	done := s.observer.start("readings")
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := map[string]any{
		"start": w.Start,
		"end":   w.End,
	}

	filter := ""
	if keys != nil {
		if len(keys) == 0 {
			return []telemetry.RawReading{}, nil
		}
		filter = " AND device_key IN @keys"
		args["keys"] = keyStrings(keys)
	}

	query := s.windowSource() + `
SELECT ts, device_id, battery_id, battery_soc_pct, odo_meter_km
FROM src
WHERE device_key IS NOT NULL` + filter + `
ORDER BY device_key, ts`

	var rows []readingRow
	if err := s.db.WithContext(ctx).Raw(query, args).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}

	return toReadings(rows), nil
}

// BatteryIDs lists every non-blank battery ID in the table.
func (s *TelemetryStore) BatteryIDs(ctx context.Context) (ids []string, err error) {
	done := s.observer.start("battery_ids")
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT DISTINCT TRIM(battery_id) AS battery_id
FROM %s
WHERE battery_id IS NOT NULL AND TRIM(battery_id) <> ''
ORDER BY 1`, s.table)

	if err := s.db.WithContext(ctx).Raw(query).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("query battery ids: %w", err)
	}
	return ids, nil
}

// LatestTimestamp returns the newest reading time of a battery.
func (s *TelemetryStore) LatestTimestamp(ctx context.Context, batteryID string) (latest time.Time, ok bool, err error) {
	done := s.observer.start("latest_ts")
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT MAX(ts) FROM %s WHERE TRIM(battery_id) = ?", s.table)

	var ts sql.NullTime
	if err := s.db.WithContext(ctx).Raw(query, batteryID).Row().Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time, true, nil
}

// BatteryReadings returns a battery's readings with from <= ts <= to, ordered by timestamp.
func (s *TelemetryStore) BatteryReadings(ctx context.Context, batteryID string, from, to time.Time) (readings []telemetry.RawReading, err error) {
	done := s.observer.start("battery_readings")
	defer func() { done(err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []readingRow
	if err := s.db.WithContext(ctx).
		Table(s.table).
		Select("ts, device_id, battery_id, battery_soc_pct, odo_meter_km").
		Where("TRIM(battery_id) = ? AND ts >= ? AND ts <= ?", batteryID, from, to).
		Order("ts").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query battery readings: %w", err)
	}

	return toReadings(rows), nil
}

// Insert writes readings in batches. Used by the seed command and tests.
func (s *TelemetryStore) Insert(ctx context.Context, rows []TelemetryRow) (err error) {
	done := s.observer.start("insert")
	defer func() { done(err) }()

	if len(rows) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Table(s.table).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

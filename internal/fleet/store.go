package fleet

import (
	"context"
	"time"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// TelemetryStore is the read side of the time-series store.
// Implementations canonicalize identities with telemetry.Canonicalize and
// resolve missing numeric values to zero.
type TelemetryStore interface {
	// FirstLast returns one summary per device with readings inside w.
	FirstLast(ctx context.Context, w Window) ([]telemetry.FirstLastSummary, error)
	// AggregatedBuckets returns bucket rows ordered by device key then bucket start.
	// A nil keys slice selects every device.
	AggregatedBuckets(ctx context.Context, w Window, width time.Duration, keys []telemetry.DeviceKey) ([]telemetry.AggregatedBucket, error)
	// Readings returns raw readings inside w ordered by device key then timestamp.
	// A nil keys slice selects every device.
	Readings(ctx context.Context, w Window, keys []telemetry.DeviceKey) ([]telemetry.RawReading, error)
	// BatteryIDs lists every battery ID ever observed, sorted.
	BatteryIDs(ctx context.Context) ([]string, error)
	// LatestTimestamp returns the newest reading time of a battery.
	LatestTimestamp(ctx context.Context, batteryID string) (time.Time, bool, error)
	// BatteryReadings returns a battery's readings with from <= ts <= to, ordered by timestamp.
	BatteryReadings(ctx context.Context, batteryID string, from, to time.Time) ([]telemetry.RawReading, error)
}

// TallyStore persists cycle tally entries keyed by battery ID.
type TallyStore interface {
	GetTally(ctx context.Context, batteryID string) (telemetry.CycleTallyEntry, bool, error)
	SaveTally(ctx context.Context, entry telemetry.CycleTallyEntry) error
	// ListTallies returns every entry sorted by battery ID.
	ListTallies(ctx context.Context) ([]telemetry.CycleTallyEntry, error)
}

// RankingCache is an optional derived cache of ranking candidates.
type RankingCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

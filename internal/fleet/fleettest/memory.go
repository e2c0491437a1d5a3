// Package fleettest provides in-memory implementations of the fleet store
// interfaces for tests.
package fleettest

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// Reading builds a raw reading keyed by id, used as both device and battery ID.
func Reading(id string, ts time.Time, soc, odo float64) telemetry.RawReading {
	return telemetry.RawReading{
		Timestamp:  ts,
		Key:        telemetry.DeviceKey(id),
		BatteryID:  id,
		SOCPercent: soc,
		OdometerKM: odo,
	}
}

// TelemetryStore answers fleet.TelemetryStore queries from a slice of readings.
type TelemetryStore struct {
	mu       sync.Mutex
	readings []telemetry.RawReading
	calls    map[string]int

	// Err, when set, is returned by every query.
	Err error
}

var _ fleet.TelemetryStore = (*TelemetryStore)(nil)

// NewTelemetryStore returns a store seeded with readings.
func NewTelemetryStore(readings ...telemetry.RawReading) *TelemetryStore {
	s := &TelemetryStore{calls: make(map[string]int)}
	s.Add(readings...)
	return s
}

// Add appends readings.
func (s *TelemetryStore) Add(readings ...telemetry.RawReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
}

// Calls returns how often a query method was invoked.
func (s *TelemetryStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// sorted returns readings inside w ordered by key then timestamp.
func (s *TelemetryStore) sorted(method string, w fleet.Window, keys []telemetry.DeviceKey) ([]telemetry.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[method]++
	if s.Err != nil {
		return nil, s.Err
	}

	var out []telemetry.RawReading
	for _, r := range s.readings {
		if r.Timestamp.Before(w.Start) || r.Timestamp.After(w.End) {
			continue
		}
		if keys != nil && !slices.Contains(keys, r.Key) {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b telemetry.RawReading) int {
		if c := cmp.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

func groupByKey(readings []telemetry.RawReading) [][]telemetry.RawReading {
	var groups [][]telemetry.RawReading
	start := 0
	for i := 1; i <= len(readings); i++ {
		if i == len(readings) || readings[i].Key != readings[start].Key {
			groups = append(groups, readings[start:i])
			start = i
		}
	}
	return groups
}

func (s *TelemetryStore) FirstLast(_ context.Context, w fleet.Window) ([]telemetry.FirstLastSummary, error) {
	readings, err := s.sorted("FirstLast", w, nil)
	if err != nil {
		return nil, err
	}

	var out []telemetry.FirstLastSummary
	for _, group := range groupByKey(readings) {
		if len(group) == 0 {
			continue
		}
		out = append(out, telemetry.FirstLastSummary{
			Key:       group[0].Key,
			BatteryID: group[len(group)-1].BatteryID,
			First:     group[0],
			Last:      group[len(group)-1],
			Readings:  len(group),
		})
	}
	return out, nil
}

func (s *TelemetryStore) AggregatedBuckets(_ context.Context, w fleet.Window, width time.Duration, keys []telemetry.DeviceKey) ([]telemetry.AggregatedBucket, error) {
	readings, err := s.sorted("AggregatedBuckets", w, keys)
	if err != nil {
		return nil, err
	}

	var out []telemetry.AggregatedBucket
	for _, group := range groupByKey(readings) {
		var (
			cur   *telemetry.AggregatedBucket
			sum   float64
			count int
		)
		flush := func() {
			if cur != nil {
				cur.AvgSOC = sum / float64(count)
				out = append(out, *cur)
			}
		}
		for _, r := range group {
			start := r.Timestamp.Truncate(width)
			if cur == nil || !cur.Start.Equal(start) {
				flush()
				cur = &telemetry.AggregatedBucket{Start: start, Key: r.Key, MaxOdo: r.OdometerKM, MinOdo: r.OdometerKM}
				sum, count = 0, 0
			}
			sum += r.SOCPercent
			count++
			cur.MaxOdo = max(cur.MaxOdo, r.OdometerKM)
			cur.MinOdo = min(cur.MinOdo, r.OdometerKM)
		}
		flush()
	}
	return out, nil
}

func (s *TelemetryStore) Readings(_ context.Context, w fleet.Window, keys []telemetry.DeviceKey) ([]telemetry.RawReading, error) {
	return s.sorted("Readings", w, keys)
}

func (s *TelemetryStore) BatteryIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["BatteryIDs"]++
	if s.Err != nil {
		return nil, s.Err
	}

	var ids []string
	for _, r := range s.readings {
		if r.BatteryID != "" && !slices.Contains(ids, r.BatteryID) {
			ids = append(ids, r.BatteryID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *TelemetryStore) LatestTimestamp(_ context.Context, batteryID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["LatestTimestamp"]++
	if s.Err != nil {
		return time.Time{}, false, s.Err
	}

	var (
		latest time.Time
		found  bool
	)
	for _, r := range s.readings {
		if r.BatteryID == batteryID && (!found || r.Timestamp.After(latest)) {
			latest, found = r.Timestamp, true
		}
	}
	return latest, found, nil
}

func (s *TelemetryStore) BatteryReadings(_ context.Context, batteryID string, from, to time.Time) ([]telemetry.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["BatteryReadings"]++
	if s.Err != nil {
		return nil, s.Err
	}

	var out []telemetry.RawReading
	for _, r := range s.readings {
		if r.BatteryID == batteryID && !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b telemetry.RawReading) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// TallyStore keeps cycle tally entries in a map.
type TallyStore struct {
	mu      sync.Mutex
	entries map[string]telemetry.CycleTallyEntry

	// Err, when set, is returned by every call.
	Err error
}

var _ fleet.TallyStore = (*TallyStore)(nil)

// NewTallyStore returns an empty store.
func NewTallyStore() *TallyStore {
	return &TallyStore{entries: make(map[string]telemetry.CycleTallyEntry)}
}

func (s *TallyStore) GetTally(_ context.Context, batteryID string) (telemetry.CycleTallyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return telemetry.CycleTallyEntry{}, false, s.Err
	}
	e, ok := s.entries[batteryID]
	return e, ok, nil
}

func (s *TallyStore) SaveTally(_ context.Context, entry telemetry.CycleTallyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.entries[entry.BatteryID] = entry
	return nil
}

func (s *TallyStore) ListTallies(context.Context) ([]telemetry.CycleTallyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]telemetry.CycleTallyEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b telemetry.CycleTallyEntry) int {
		return cmp.Compare(a.BatteryID, b.BatteryID)
	})
	return out, nil
}

// Cache is a map-backed fleet.RankingCache that ignores TTLs.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]byte
	sets    int
}

var _ fleet.RankingCache = (*Cache)(nil)

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.sets++
	return nil
}

// Sets returns how many writes the cache received.
func (c *Cache) Sets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

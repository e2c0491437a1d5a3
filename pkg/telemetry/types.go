// Package telemetry defines the battery telemetry domain model shared by the
// ranking engine, the storage layer and the RPC boundary.
package telemetry

import (
	"encoding/json"
	"strings"
	"time"
)

// DeviceKey is the canonical identity of a physical unit.
// It is the device ID when one is present, otherwise the legacy battery ID.
type DeviceKey string

// String returns the key as a plain string.
func (k DeviceKey) String() string {
	return string(k)
}

// Canonicalize merges the primary device ID and the legacy battery ID into one
// DeviceKey. Blank identifiers are ignored. ok is false when neither is usable.
func Canonicalize(deviceID, batteryID string) (key DeviceKey, ok bool) {
	if id := strings.TrimSpace(deviceID); id != "" {
		return DeviceKey(id), true
	}
	if id := strings.TrimSpace(batteryID); id != "" {
		return DeviceKey(id), true
	}
	return "", false
}

// RawReading is a single telemetry sample.
type RawReading struct {
	Timestamp  time.Time
	Key        DeviceKey
	BatteryID  string
	SOCPercent float64
	OdometerKM float64
}

// FirstLastSummary holds the earliest and latest reading of a device within a window.
type FirstLastSummary struct {
	Key       DeviceKey
	BatteryID string
	First     RawReading
	Last      RawReading
	Readings  int
}

// AggregatedBucket is one fixed-width time bucket of a device's readings.
type AggregatedBucket struct {
	Start  time.Time
	Key    DeviceKey
	AvgSOC float64
	MaxOdo float64
	MinOdo float64
}

// OdometerRange is the distance covered inside the bucket.
func (b AggregatedBucket) OdometerRange() float64 {
	return b.MaxOdo - b.MinOdo
}

// SocDropSample is the SOC discharge between two consecutive buckets.
// Positive values are discharge.
type SocDropSample struct {
	BucketStart time.Time
	Drop        float64
}

// Severity is the coarse ordinal classification of an anomaly.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities: none < low < medium < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// MarshalJSON encodes SeverityNone as null.
func (s Severity) MarshalJSON() ([]byte, error) {
	if s == SeverityNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts null as SeverityNone.
func (s *Severity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = SeverityNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Severity(raw)
	return nil
}

// AnomalyReason names the rule that flagged a bucket transition.
type AnomalyReason string

const (
	ReasonSOCDrop     AnomalyReason = "soc_drop"
	ReasonSOCOutlier  AnomalyReason = "soc_outlier"
	ReasonNoMovement  AnomalyReason = "no_movement"
	ReasonLowMovement AnomalyReason = "low_movement"
)

// AnomalyRecord is a flagged bucket transition of one device.
type AnomalyRecord struct {
	BucketStart time.Time
	Key         DeviceKey
	Severity    Severity
	Reasons     []AnomalyReason
	// Value is the SOC drop when a SOC rule fired, otherwise the odometer range.
	Value float64
}

// AnomalySummary is the device level aggregate of its anomaly records.
type AnomalySummary struct {
	LastAnomaly *time.Time
	Severity    Severity
	Count       int
	HasAnomaly  bool
}

// CycleEstimates holds equivalent full cycle counts over several windows.
type CycleEstimates struct {
	Last24h  float64
	Last7d   float64
	Last30d  float64
	Lifetime float64
}

// DeviceRankingRow is the merged per-device entity handed to the UI.
type DeviceRankingRow struct {
	Key       DeviceKey
	BatteryID string
	First     RawReading
	Last      RawReading
	SOCDelta  float64
	OdoDelta  float64
	Cycles    CycleEstimates
	Anomaly   AnomalySummary
}

// CycleTallyEntry is the durable running total of charge cycles of a battery.
type CycleTallyEntry struct {
	LastProcessed time.Time
	UpdatedAt     time.Time
	BatteryID     string
	TotalCycles   float64
}

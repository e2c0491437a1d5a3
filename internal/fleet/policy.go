// Package fleet implements the anomaly-aware ranking engine over battery
// telemetry: per-device delta summaries, charge-cycle estimates, bucketed
// anomaly detection, deterministic pagination and the incremental cycle tally.
package fleet

import (
	"errors"
	"time"
)

// Default policy values.
const (
	DefaultSummaryWindow      = 24 * time.Hour
	DefaultBucketWidth        = 2 * time.Hour
	DefaultDropThreshold      = 15.0
	DefaultOutlierSigma       = 1.5
	DefaultNoMovementKM       = 0.005
	DefaultLowMovementKM      = 0.1
	DefaultCycleLookbackHours = 720
	MinCycleLookbackHours     = 1
	MaxCycleLookbackHours     = 8760

	// ZeroEpsilon is the tolerance below which a 2-decimal delta counts as zero.
	ZeroEpsilon = 0.005
)

// Policy holds the business thresholds of the engine.
type Policy struct {
	// SummaryWindow is the rolling wall-clock window of the dashboard.
	SummaryWindow time.Duration
	// BucketWidth is the aggregation width used for anomaly detection.
	BucketWidth time.Duration
	// DropThreshold is the absolute SOC drop (percentage points) flagged high.
	DropThreshold float64
	// OutlierSigma is the stddev multiplier of the statistical outlier rule.
	OutlierSigma float64
	// NoMovementKM is the odometer range under which a bucket is flagged high.
	NoMovementKM float64
	// LowMovementKM is the odometer range under which a bucket is flagged medium.
	LowMovementKM float64
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		SummaryWindow: DefaultSummaryWindow,
		BucketWidth:   DefaultBucketWidth,
		DropThreshold: DefaultDropThreshold,
		OutlierSigma:  DefaultOutlierSigma,
		NoMovementKM:  DefaultNoMovementKM,
		LowMovementKM: DefaultLowMovementKM,
	}
}

// Validate checks the policy for values that would make detection meaningless.
func (p Policy) Validate() error {
	if p.SummaryWindow <= 0 {
		return errors.New("summary window must be positive")
	}
	if p.BucketWidth <= 0 {
		return errors.New("bucket width must be positive")
	}
	if p.BucketWidth > p.SummaryWindow {
		return errors.New("bucket width cannot exceed the summary window")
	}
	if p.DropThreshold <= 0 {
		return errors.New("drop threshold must be positive")
	}
	if p.OutlierSigma < 0 {
		return errors.New("outlier sigma cannot be negative")
	}
	if p.NoMovementKM < 0 || p.LowMovementKM < p.NoMovementKM {
		return errors.New("movement thresholds must satisfy 0 <= no-movement <= low-movement")
	}
	return nil
}

// ClampLookbackHours bounds a cycle-window lookback to [1, 8760] hours.
// Zero selects the default lookback.
func ClampLookbackHours(hours int) int {
	switch {
	case hours == 0:
		return DefaultCycleLookbackHours
	case hours < MinCycleLookbackHours:
		return MinCycleLookbackHours
	case hours > MaxCycleLookbackHours:
		return MaxCycleLookbackHours
	default:
		return hours
	}
}

// Window is the closed time range [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingAt returns the window of length d that ends at end.
func WindowEndingAt(end time.Time, d time.Duration) Window {
	return Window{Start: end.Add(-d), End: end}
}

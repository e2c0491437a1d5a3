package fleet

import (
	"math"
	"time"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// Round rounds x to the given number of decimal places, half away from zero.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// IsZeroDelta reports whether a delta rounds to zero at 2-decimal display.
func IsZeroDelta(v float64) bool {
	return math.Abs(v) < ZeroEpsilon
}

// DischargeSum returns the sum of positive SOC decreases between consecutive
// samples. Increases (charging) contribute nothing.
func DischargeSum(soc []float64) float64 {
	var sum float64
	for i := 1; i < len(soc); i++ {
		if d := soc[i-1] - soc[i]; d > 0 {
			sum += d
		}
	}
	return sum
}

// CycleEstimate converts a SOC series into equivalent full cycles, where 100
// percentage points of cumulative discharge is one cycle. Rounded to 3 decimals.
func CycleEstimate(soc []float64) float64 {
	if len(soc) < 2 {
		return 0
	}
	return Round(DischargeSum(soc)/100, 3)
}

// SOCSeries extracts the SOC values of readings in order.
func SOCSeries(readings []telemetry.RawReading) []float64 {
	out := make([]float64, len(readings))
	for i, r := range readings {
		out[i] = r.SOCPercent
	}
	return out
}

// Summarize builds the base ranking row of a device from its first/last summary.
func Summarize(s telemetry.FirstLastSummary) telemetry.DeviceRankingRow {
	row := telemetry.DeviceRankingRow{
		Key:       s.Key,
		BatteryID: s.BatteryID,
		First:     s.First,
		Last:      s.Last,
	}
	if s.Readings < 2 {
		// A single point collapses first and last.
		row.Last = row.First
		return row
	}
	row.SOCDelta = Round(s.Last.SOCPercent-s.First.SOCPercent, 2)
	row.OdoDelta = Round(s.Last.OdometerKM-s.First.OdometerKM, 2)
	return row
}

// CycleWindow is a named lookback anchored at a device's latest reading.
type CycleWindow struct {
	Name     string
	Duration time.Duration
}

// StandardCycleWindows are the 24h, 7d and 30d windows reported per device.
var StandardCycleWindows = []CycleWindow{
	{Name: "24h", Duration: 24 * time.Hour},
	{Name: "7d", Duration: 7 * 24 * time.Hour},
	{Name: "30d", Duration: 30 * 24 * time.Hour},
}

// CycleCounts is the per-window cycle estimate of one device.
type CycleCounts struct {
	Key       telemetry.DeviceKey
	BatteryID string
	Windows   map[string]float64
	// Total covers every reading passed in.
	Total float64
}

// ComputeCycleCounts groups ordered readings by device and estimates cycles for
// each window, anchored at that device's latest reading.
func ComputeCycleCounts(readings []telemetry.RawReading, windows []CycleWindow) []CycleCounts {
	var out []CycleCounts
	for _, group := range groupReadings(readings) {
		latest := group[len(group)-1].Timestamp
		cc := CycleCounts{
			Key:       group[0].Key,
			BatteryID: group[0].BatteryID,
			Windows:   make(map[string]float64, len(windows)),
			Total:     CycleEstimate(SOCSeries(group)),
		}
		for _, w := range windows {
			from := latest.Add(-w.Duration)
			start := len(group)
			for i, r := range group {
				if !r.Timestamp.Before(from) {
					start = i
					break
				}
			}
			cc.Windows[w.Name] = CycleEstimate(SOCSeries(group[start:]))
		}
		out = append(out, cc)
	}
	return out
}

// groupReadings splits readings ordered by key into contiguous per-device runs.
func groupReadings(readings []telemetry.RawReading) [][]telemetry.RawReading {
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

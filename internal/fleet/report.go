package fleet

import (
	"context"
	"slices"
	"time"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// FleetSummary is the fleet-wide header of the dashboard.
type FleetSummary struct {
	GeneratedAt      time.Time
	NoMovement       []telemetry.DeviceKey
	TotalDevices     int
	AnomalousDevices int
	AnomalyRecords   int
	AvgSOCDelta      float64
	WorstSOCDelta    float64
}

// SummarizeFleet aggregates ranking rows into the fleet summary.
func SummarizeFleet(rows []telemetry.DeviceRankingRow, at time.Time) FleetSummary {
	sum := FleetSummary{
		GeneratedAt:  at,
		TotalDevices: len(rows),
		NoMovement:   []telemetry.DeviceKey{},
	}
	if len(rows) == 0 {
		return sum
	}

	var total float64
	sum.WorstSOCDelta = rows[0].SOCDelta
	for _, row := range rows {
		total += row.SOCDelta
		if row.SOCDelta < sum.WorstSOCDelta {
			sum.WorstSOCDelta = row.SOCDelta
		}
		if IsZeroDelta(row.OdoDelta) {
			sum.NoMovement = append(sum.NoMovement, row.Key)
		}
		if row.Anomaly.HasAnomaly {
			sum.AnomalousDevices++
			sum.AnomalyRecords += row.Anomaly.Count
		}
	}
	sum.AvgSOCDelta = Round(total/float64(len(rows)), 2)
	slices.Sort(sum.NoMovement)
	return sum
}

// Summary computes the fleet summary for the current summary window.
func (r *Ranker) Summary(ctx context.Context) (FleetSummary, error) {
	rows, err := r.Candidates(ctx)
	if err != nil {
		return FleetSummary{}, err
	}
	return SummarizeFleet(rows, r.now()), nil
}

package fleettest

import (
	"time"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// Series builds one reading per step for id, the last one at end. Each SOC
// value becomes one reading; the odometer starts at odo and advances by
// odoStep per reading.
func Series(id string, end time.Time, step time.Duration, odo, odoStep float64, socs ...float64) []telemetry.RawReading {
	out := make([]telemetry.RawReading, len(socs))
	start := end.Add(-time.Duration(len(socs)-1) * step)
	for i, soc := range socs {
		out[i] = Reading(id, start.Add(time.Duration(i)*step), soc, odo+float64(i)*odoStep)
	}
	return out
}

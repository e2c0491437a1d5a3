package fleet_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/internal/fleet/fleettest"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

var _ = Describe("Summarizer", func() {
	DescribeTable("Round",
		func(x float64, places int, expected float64) {
			Expect(fleet.Round(x, places)).To(BeNumerically("~", expected, 1e-9))
		},
		Entry("three places", 12.3456, 3, 12.346),
		Entry("half rounds up", 0.125, 2, 0.13),
		Entry("negative half rounds away from zero", -2.5, 0, -3.0),
		Entry("already exact", 7.0, 2, 7.0),
	)

	DescribeTable("IsZeroDelta",
		func(v float64, expected bool) {
			Expect(fleet.IsZeroDelta(v)).To(Equal(expected))
		},
		Entry("zero", 0.0, true),
		Entry("below epsilon", 0.004, true),
		Entry("negative below epsilon", -0.004, true),
		Entry("at epsilon", 0.005, false),
		Entry("clearly non-zero", -0.01, false),
	)

	Describe("CycleEstimate", func() {
		DescribeTable("discharge only",
			func(soc []float64, expected float64) {
				Expect(fleet.CycleEstimate(soc)).To(BeNumerically("~", expected, 1e-9))
			},
			Entry("empty", []float64{}, 0.0),
			Entry("single sample", []float64{50}, 0.0),
			Entry("flat", []float64{80, 80}, 0.0),
			Entry("charging only", []float64{10, 20, 30}, 0.0),
			Entry("mixed", []float64{90, 70, 85, 60}, 0.45),
			Entry("full discharge", []float64{100, 0}, 1.0),
		)

		It("should sum positive decreases", func() {
			Expect(fleet.DischargeSum([]float64{90, 70, 85, 60})).To(BeNumerically("~", 45, 1e-9))
		})
	})

	Describe("Summarize", func() {
		var t0 time.Time

		BeforeEach(func() {
			t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		})

		It("should collapse a single reading", func() {
			r := fleettest.Reading("dev-1", t0, 55, 1200)
			row := fleet.Summarize(telemetry.FirstLastSummary{
				Key:       "dev-1",
				BatteryID: "dev-1",
				First:     r,
				Last:      fleettest.Reading("dev-1", t0.Add(time.Hour), 99, 9999),
				Readings:  1,
			})

			Expect(row.Last).To(Equal(row.First))
			Expect(row.SOCDelta).To(BeZero())
			Expect(row.OdoDelta).To(BeZero())
		})

		It("should round deltas to two decimals", func() {
			row := fleet.Summarize(telemetry.FirstLastSummary{
				Key:       "dev-1",
				BatteryID: "bat-1",
				First:     fleettest.Reading("dev-1", t0, 90, 100),
				Last:      fleettest.Reading("dev-1", t0.Add(time.Hour), 81.123, 112.346),
				Readings:  4,
			})

			Expect(row.Key).To(Equal(telemetry.DeviceKey("dev-1")))
			Expect(row.BatteryID).To(Equal("bat-1"))
			Expect(row.SOCDelta).To(BeNumerically("~", -8.88, 1e-9))
			Expect(row.OdoDelta).To(BeNumerically("~", 12.35, 1e-9))
		})
	})

	Describe("ComputeCycleCounts", func() {
		var latest time.Time

		BeforeEach(func() {
			latest = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		})

		It("should anchor windows at each device's latest reading", func() {
			readings := []telemetry.RawReading{
				fleettest.Reading("a", latest.Add(-10*24*time.Hour), 100, 0),
				fleettest.Reading("a", latest.Add(-2*24*time.Hour), 50, 10),
				fleettest.Reading("a", latest.Add(-12*time.Hour), 80, 20),
				fleettest.Reading("a", latest, 60, 30),
			}
			// b went quiet five days before a.
			bLatest := latest.Add(-5 * 24 * time.Hour)
			readings = append(readings,
				fleettest.Reading("b", bLatest.Add(-time.Hour), 60, 0),
				fleettest.Reading("b", bLatest, 40, 5),
			)

			counts := fleet.ComputeCycleCounts(readings, fleet.StandardCycleWindows)
			Expect(counts).To(HaveLen(2))

			a := counts[0]
			Expect(a.Key).To(Equal(telemetry.DeviceKey("a")))
			Expect(a.Windows["24h"]).To(BeNumerically("~", 0.2, 1e-9))
			Expect(a.Windows["7d"]).To(BeNumerically("~", 0.2, 1e-9))
			Expect(a.Windows["30d"]).To(BeNumerically("~", 0.7, 1e-9))
			Expect(a.Total).To(BeNumerically("~", 0.7, 1e-9))

			b := counts[1]
			Expect(b.Key).To(Equal(telemetry.DeviceKey("b")))
			Expect(b.Windows["24h"]).To(BeNumerically("~", 0.2, 1e-9))
			Expect(b.Total).To(BeNumerically("~", 0.2, 1e-9))
		})

		It("should report zero for a single reading", func() {
			counts := fleet.ComputeCycleCounts([]telemetry.RawReading{
				fleettest.Reading("solo", latest, 40, 0),
			}, fleet.StandardCycleWindows)

			Expect(counts).To(HaveLen(1))
			Expect(counts[0].Total).To(BeZero())
			Expect(counts[0].Windows).To(HaveKeyWithValue("24h", 0.0))
		})

		It("should return nothing for no readings", func() {
			Expect(fleet.ComputeCycleCounts(nil, fleet.StandardCycleWindows)).To(BeEmpty())
		})
	})
})

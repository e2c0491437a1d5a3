package generator_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/internal/fleet/fleettest"
	"procodus.dev/fleet-dash/pkg/generator"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

var _ = Describe("Battery generator", func() {
	end := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	newGenerator := func(cfg generator.Config) *generator.Generator {
		GinkgoHelper()
		g, err := generator.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return g
	}

	baseConfig := func() generator.Config {
		return generator.Config{
			Seed:       42,
			Devices:    10,
			SpikeRatio: 0.2,
			StallRatio: 0.2,
			End:        end,
		}
	}

	Describe("New", func() {
		DescribeTable("rejects invalid configs",
			func(mutate func(*generator.Config), message string) {
				cfg := baseConfig()
				mutate(&cfg)
				_, err := generator.New(cfg)
				Expect(err).To(MatchError(ContainSubstring(message)))
			},
			Entry("no devices", func(c *generator.Config) { c.Devices = 0 }, "device count"),
			Entry("negative spike ratio", func(c *generator.Config) { c.SpikeRatio = -0.1 }, "spike ratio"),
			Entry("stall ratio above one", func(c *generator.Config) { c.StallRatio = 1.5 }, "stall ratio"),
			Entry("ratios above one together", func(c *generator.Config) { c.SpikeRatio, c.StallRatio = 0.6, 0.6 }, "cannot exceed 1"),
			Entry("interval wider than window", func(c *generator.Config) {
				c.Interval = 2 * time.Hour
				c.Window = time.Hour
			}, "interval cannot exceed window"),
		)
	})

	Describe("Batteries", func() {
		It("should assign profiles by ratio", func() {
			batteries := newGenerator(baseConfig()).Batteries()
			Expect(batteries).To(HaveLen(10))

			counts := map[generator.Profile]int{}
			for _, b := range batteries {
				counts[b.Profile]++
				Expect(b.DeviceID).To(MatchRegexp(`^EV-[A-Z]{3}-[0-9]{4}$`))
				Expect(b.BatteryID).NotTo(BeEmpty())
				Expect(b.Legacy).To(BeFalse())
			}
			Expect(counts).To(Equal(map[generator.Profile]int{
				generator.ProfileSpike:   2,
				generator.ProfileStalled: 2,
				generator.ProfileNormal:  6,
			}))
		})

		It("should be reproducible for a fixed seed", func() {
			first := newGenerator(baseConfig()).Batteries()
			second := newGenerator(baseConfig()).Batteries()
			Expect(second).To(Equal(first))
		})

		It("should mark the tail of the fleet legacy", func() {
			cfg := baseConfig()
			cfg.LegacyRatio = 0.3
			batteries := newGenerator(cfg).Batteries()

			legacy := 0
			for _, b := range batteries {
				if b.Legacy {
					legacy++
				}
			}
			Expect(legacy).To(Equal(3))
			Expect(batteries[9].Legacy).To(BeTrue())
		})
	})

	Describe("Series", func() {
		var g *generator.Generator

		BeforeEach(func() {
			g = newGenerator(baseConfig())
		})

		It("should cover the window at the sampling interval", func() {
			readings := g.Series(g.Batteries()[5])
			Expect(readings).To(HaveLen(145))
			Expect(readings[0].TS).To(Equal(end.Add(-24 * time.Hour)))
			Expect(readings[144].TS).To(Equal(end))

			for i, r := range readings {
				Expect(r.SOCPercent).To(BeNumerically(">=", 0))
				Expect(r.SOCPercent).To(BeNumerically("<=", 100))
				if i > 0 {
					Expect(r.TS.Sub(readings[i-1].TS)).To(Equal(generator.DefaultInterval))
					Expect(r.OdometerKM).To(BeNumerically(">=", readings[i-1].OdometerKM))
				}
			}
		})

		It("should keep a stalled odometer constant", func() {
			readings := g.Series(g.Batteries()[2])
			for _, r := range readings {
				Expect(r.OdometerKM).To(Equal(readings[0].OdometerKM))
			}
		})

		It("should inject one large discharge spike", func() {
			readings := g.Series(g.Batteries()[0])

			spikes := 0
			for i := 1; i < len(readings); i++ {
				if readings[i-1].SOCPercent-readings[i].SOCPercent >= generator.SpikeDrop-0.01 {
					spikes++
				}
			}
			Expect(spikes).To(Equal(1))
		})

		It("should key legacy rows by battery id", func() {
			b := g.Batteries()[5]
			b.Legacy = true

			readings := g.Series(b)
			Expect(readings[0].DeviceID).To(BeEmpty())

			canonical, ok := readings[0].Canonical()
			Expect(ok).To(BeTrue())
			Expect(canonical.Key).To(Equal(telemetry.DeviceKey(b.BatteryID)))
			Expect(canonical.BatteryID).To(Equal(b.BatteryID))
		})
	})

	Describe("Generate", func() {
		It("should produce anomalies the detector recognizes", func() {
			g := newGenerator(baseConfig())
			batteries, readings := g.Generate()
			Expect(readings).To(HaveLen(10 * 145))

			store := fleettest.NewTelemetryStore()
			for _, r := range readings {
				canonical, ok := r.Canonical()
				Expect(ok).To(BeTrue())
				store.Add(canonical)
			}

			policy := fleet.DefaultPolicy()
			buckets, err := store.AggregatedBuckets(context.Background(),
				fleet.WindowEndingAt(end, policy.SummaryWindow), policy.BucketWidth, nil)
			Expect(err).NotTo(HaveOccurred())

			detections := fleet.NewDetector(policy).DetectBatch(buckets)

			reasonsOf := func(b generator.Battery) []telemetry.AnomalyReason {
				var reasons []telemetry.AnomalyReason
				for _, rec := range detections[telemetry.DeviceKey(b.DeviceID)].Records {
					reasons = append(reasons, rec.Reasons...)
				}
				return reasons
			}

			for _, b := range batteries[:2] {
				d := detections[telemetry.DeviceKey(b.DeviceID)]
				Expect(d.Summary.Severity).To(Equal(telemetry.SeverityHigh))
				Expect(reasonsOf(b)).To(ContainElement(telemetry.ReasonSOCDrop))
			}
			for _, b := range batteries[2:4] {
				Expect(reasonsOf(b)).To(ContainElement(telemetry.ReasonNoMovement))
			}
		})
	})
})

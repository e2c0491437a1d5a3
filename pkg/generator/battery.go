// Package generator produces synthetic battery telemetry with injected
// discharge spikes and stalled odometers.
package generator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// Profile selects how a battery behaves over the generated window.
type Profile string

const (
	ProfileNormal Profile = "normal"
	// ProfileSpike loses SpikeDrop or more SOC points in a single step.
	ProfileSpike Profile = "spike"
	// ProfileStalled reports the same odometer value for the whole window.
	ProfileStalled Profile = "stalled"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultWindow   = 24 * time.Hour
	// SpikeDrop is the minimum injected single-step SOC loss.
	SpikeDrop = 30.0

	chargeBelow = 10.0
	chargeUntil = 95.0
	chargeStep  = 6.0
)

// Battery is one synthetic device/battery pair.
type Battery struct {
	DeviceID  string  `fake:"skip"`
	BatteryID string  `fake:"{uuid}"`
	Model     string  `fake:"{carmodel}"`
	Profile   Profile `fake:"skip"`
	// Legacy rows carry no device_id and are keyed by their battery_id.
	Legacy bool `fake:"skip"`
}

// Reading mirrors one telemetry table row.
type Reading struct {
	TS         time.Time
	DeviceID   string
	BatteryID  string
	SOCPercent float64
	OdometerKM float64
}

// Canonical converts the row the way the telemetry store keys it.
func (r Reading) Canonical() (telemetry.RawReading, bool) {
	key, ok := telemetry.Canonicalize(r.DeviceID, r.BatteryID)
	if !ok {
		return telemetry.RawReading{}, false
	}
	return telemetry.RawReading{
		Timestamp:  r.TS,
		Key:        key,
		BatteryID:  strings.TrimSpace(r.BatteryID),
		SOCPercent: r.SOCPercent,
		OdometerKM: r.OdometerKM,
	}, true
}

// Config controls fleet size, anomaly mix and sampling.
type Config struct {
	// Seed makes output reproducible; 0 picks a random seed.
	Seed    uint64
	Devices int
	// SpikeRatio and StallRatio are the fractions of devices given each profile.
	SpikeRatio  float64
	StallRatio  float64
	LegacyRatio float64
	Interval    time.Duration
	Window      time.Duration
	// End is the last sample time (defaults to now, truncated to Interval).
	End time.Time
}

// Generator builds batteries and their telemetry series.
type Generator struct {
	faker *gofakeit.Faker
	cfg   Config
}

// New creates a new Generator instance.
func New(cfg Config) (*Generator, error) {
	if cfg.Devices <= 0 {
		return nil, errors.New("device count must be greater than 0")
	}

	for name, ratio := range map[string]float64{
		"spike":  cfg.SpikeRatio,
		"stall":  cfg.StallRatio,
		"legacy": cfg.LegacyRatio,
	} {
		if ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("%s ratio must be between 0 and 1", name)
		}
	}

	if cfg.SpikeRatio+cfg.StallRatio > 1 {
		return nil, errors.New("spike and stall ratios cannot exceed 1 together")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Interval > cfg.Window {
		return nil, errors.New("interval cannot exceed window")
	}
	if cfg.End.IsZero() {
		cfg.End = time.Now().UTC().Truncate(cfg.Interval)
	}

	return &Generator{faker: gofakeit.New(cfg.Seed), cfg: cfg}, nil
}

// Batteries returns the synthetic fleet. Profiles are assigned by position so
// the requested ratios hold exactly after rounding down.
func (g *Generator) Batteries() []Battery {
	n := g.cfg.Devices
	spikes := int(float64(n) * g.cfg.SpikeRatio)
	stalls := int(float64(n) * g.cfg.StallRatio)
	legacy := int(float64(n) * g.cfg.LegacyRatio)

	batteries := make([]Battery, n)
	for i := range batteries {
		var b Battery
		if err := g.faker.Struct(&b); err != nil {
			b.BatteryID = g.faker.UUID()
		}
		b.DeviceID = strings.ToUpper(g.faker.Lexify("ev-???-")) + g.faker.Numerify("####")

		switch {
		case i < spikes:
			b.Profile = ProfileSpike
		case i < spikes+stalls:
			b.Profile = ProfileStalled
		default:
			b.Profile = ProfileNormal
		}
		b.Legacy = i >= n-legacy

		batteries[i] = b
	}
	return batteries
}

// Series returns the readings of one battery, oldest first, spanning
// [End-Window, End] at Interval steps.
func (g *Generator) Series(b Battery) []Reading {
	steps := int(g.cfg.Window / g.cfg.Interval)
	start := g.cfg.End.Add(-time.Duration(steps) * g.cfg.Interval)

	soc := g.faker.Float64Range(70, 100)
	drain := g.faker.Float64Range(0.1, 0.5)
	if b.Profile == ProfileSpike {
		soc = 100
		drain = g.faker.Float64Range(0.05, 0.2)
	}
	odo := g.faker.Float64Range(1_000, 90_000)

	// The spike lands on the first sample of a bucket-aligned hour in the middle
	// of the window so it separates two 2h aggregates cleanly.
	spikeAt := start.Add(g.cfg.Window / 2).Truncate(2 * time.Hour)
	spiked := false
	charging := false

	deviceID := b.DeviceID
	if b.Legacy {
		deviceID = ""
	}

	readings := make([]Reading, 0, steps+1)
	for i := 0; i <= steps; i++ {
		ts := start.Add(time.Duration(i) * g.cfg.Interval)

		if i > 0 {
			switch {
			case b.Profile == ProfileSpike && !spiked && !ts.Before(spikeAt):
				soc -= SpikeDrop + g.faker.Float64Range(0, 10)
				spiked = true
			case charging:
				soc += chargeStep
				charging = soc < chargeUntil
			default:
				soc -= drain + g.faker.Float64Range(-0.05, 0.05)
				charging = b.Profile != ProfileSpike && soc < chargeBelow
			}
			soc = math.Max(0, math.Min(100, soc))

			if b.Profile != ProfileStalled && !charging {
				odo += g.faker.Float64Range(0.5, 3)
			}
		}

		readings = append(readings, Reading{
			TS:         ts,
			DeviceID:   deviceID,
			BatteryID:  b.BatteryID,
			SOCPercent: math.Round(soc*100) / 100,
			OdometerKM: math.Round(odo*1000) / 1000,
		})
	}
	return readings
}

// Generate returns the fleet and every reading of every battery.
func (g *Generator) Generate() ([]Battery, []Reading) {
	batteries := g.Batteries()
	var readings []Reading
	for _, b := range batteries {
		readings = append(readings, g.Series(b)...)
	}
	return batteries, readings
}

package fleet

import (
	"math"
	"time"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// Detection is the anomaly result of one device.
type Detection struct {
	Key     telemetry.DeviceKey
	Drops   []telemetry.SocDropSample
	Records []telemetry.AnomalyRecord
	Summary telemetry.AnomalySummary
	Mean    float64
	StdDev  float64
}

// Detector flags SOC and odometer anomalies in bucketed telemetry.
type Detector struct {
	policy Policy
}

// NewDetector creates a Detector with the given thresholds.
func NewDetector(policy Policy) *Detector {
	return &Detector{policy: policy}
}

// DropSamples derives consecutive-bucket SOC drops (previous - current).
func DropSamples(buckets []telemetry.AggregatedBucket) []telemetry.SocDropSample {
	if len(buckets) < 2 {
		return nil
	}
	out := make([]telemetry.SocDropSample, 0, len(buckets)-1)
	for i := 1; i < len(buckets); i++ {
		out = append(out, telemetry.SocDropSample{
			BucketStart: buckets[i].Start,
			Drop:        buckets[i-1].AvgSOC - buckets[i].AvgSOC,
		})
	}
	return out
}

// MeanStdDev returns the mean and the sample standard deviation of xs.
// The deviation is 0 when fewer than two values are given.
func MeanStdDev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

// Detect analyses the ordered buckets of a single device.
func (d *Detector) Detect(key telemetry.DeviceKey, buckets []telemetry.AggregatedBucket) Detection {
	det := Detection{Key: key}
	if len(buckets) < 2 {
		return det
	}

	det.Drops = DropSamples(buckets)
	values := make([]float64, len(det.Drops))
	for i, s := range det.Drops {
		values[i] = s.Drop
	}
	// Statistics come from the whole sequence so flags never depend on order of evaluation.
	det.Mean, det.StdDev = MeanStdDev(values)
	outlierAbove := det.Mean + d.policy.OutlierSigma*det.StdDev

	for i, sample := range det.Drops {
		bucket := buckets[i+1]
		rec := telemetry.AnomalyRecord{
			BucketStart: bucket.Start,
			Key:         key,
		}

		socFired := false
		if sample.Drop > d.policy.DropThreshold {
			rec.Severity = telemetry.SeverityHigh
			rec.Reasons = append(rec.Reasons, telemetry.ReasonSOCDrop)
			socFired = true
		} else if det.StdDev > 0 && sample.Drop > outlierAbove {
			rec.Severity = telemetry.SeverityMedium
			rec.Reasons = append(rec.Reasons, telemetry.ReasonSOCOutlier)
			socFired = true
		}

		odoRange := bucket.OdometerRange()
		switch {
		case odoRange < d.policy.NoMovementKM:
			rec.Severity = rec.Severity.Max(telemetry.SeverityHigh)
			rec.Reasons = append(rec.Reasons, telemetry.ReasonNoMovement)
		case odoRange < d.policy.LowMovementKM:
			rec.Severity = rec.Severity.Max(telemetry.SeverityMedium)
			rec.Reasons = append(rec.Reasons, telemetry.ReasonLowMovement)
		}

		if rec.Severity == telemetry.SeverityNone {
			continue
		}
		if socFired {
			rec.Value = Round(sample.Drop, 2)
		} else {
			rec.Value = Round(odoRange, 3)
		}
		det.Records = append(det.Records, rec)
	}

	det.Summary = SummarizeAnomalies(det.Records)
	return det
}

// DetectBatch runs detection over buckets of many devices ordered by key then
// bucket start, in a single pass.
func (d *Detector) DetectBatch(buckets []telemetry.AggregatedBucket) map[telemetry.DeviceKey]Detection {
	out := make(map[telemetry.DeviceKey]Detection)
	start := 0
	for i := 1; i <= len(buckets); i++ {
		if i == len(buckets) || buckets[i].Key != buckets[start].Key {
			key := buckets[start].Key
			out[key] = d.Detect(key, buckets[start:i])
			start = i
		}
	}
	return out
}

// SummarizeAnomalies folds anomaly records into the device level summary.
func SummarizeAnomalies(records []telemetry.AnomalyRecord) telemetry.AnomalySummary {
	var sum telemetry.AnomalySummary
	var last time.Time
	for _, r := range records {
		sum.Count++
		sum.Severity = sum.Severity.Max(r.Severity)
		if r.BucketStart.After(last) {
			last = r.BucketStart
		}
	}
	if sum.Count > 0 {
		sum.HasAnomaly = true
		sum.LastAnomaly = &last
	}
	return sum
}

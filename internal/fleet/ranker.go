package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// ErrDeviceNotFound is returned when a device has no readings in the summary window.
var ErrDeviceNotFound = errors.New("device not found in window")

// RankerConfig holds the configuration for the Ranker.
type RankerConfig struct {
	Logger    *slog.Logger
	Telemetry TelemetryStore
	// Tally supplies lifetime cycle totals. Optional.
	Tally  TallyStore
	Policy Policy
	// Cache is an optional derived cache of ranking candidates.
	Cache    RankingCache
	CacheTTL time.Duration
	// Workers bounds the number of concurrent store queries per request.
	Workers int
	Metrics *metrics.BackendMetrics
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Ranker merges delta summaries, cycle estimates and anomaly detection into
// the anomaly-prioritized device ranking.
type Ranker struct {
	logger    *slog.Logger
	telemetry TelemetryStore
	tally     TallyStore
	policy    Policy
	detector  *Detector
	cache     RankingCache
	cacheTTL  time.Duration
	pool      pond.Pool
	metrics   *metrics.BackendMetrics
	now       func() time.Time
}

// NewRanker creates a new Ranker.
func NewRanker(cfg *RankerConfig) (*Ranker, error) {
	if cfg == nil {
		return nil, errors.New("ranker config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Telemetry == nil {
		return nil, errors.New("telemetry store cannot be nil")
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &Ranker{
		logger:    cfg.Logger,
		telemetry: cfg.Telemetry,
		tally:     cfg.Tally,
		policy:    cfg.Policy,
		detector:  NewDetector(cfg.Policy),
		cache:     cfg.Cache,
		cacheTTL:  ttl,
		pool:      pond.NewPool(workers),
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// Close stops the worker pool.
func (r *Ranker) Close() {
	r.pool.StopAndWait()
}

// Policy returns the thresholds in use.
func (r *Ranker) Policy() Policy {
	return r.policy
}

// CacheKey identifies cached candidates by window and bucket width.
func (r *Ranker) CacheKey() string {
	return fmt.Sprintf("fleet:candidates:%s:%s", r.policy.SummaryWindow, r.policy.BucketWidth)
}

// RankPage returns one page of the ranked device order.
func (r *Ranker) RankPage(ctx context.Context, req PageRequest) (RankedPage, error) {
	if err := req.Validate(); err != nil {
		return RankedPage{}, err
	}

	rows, err := r.Candidates(ctx)
	if err != nil {
		return RankedPage{}, err
	}

	return Paginate(rows, req)
}

// Candidates returns one merged ranking row per device with readings in the
// summary window, served from the cache when one is configured.
func (r *Ranker) Candidates(ctx context.Context) ([]telemetry.DeviceRankingRow, error) {
	if r.cache != nil {
		if rows, ok := r.cachedCandidates(ctx); ok {
			return rows, nil
		}
	}

	rows, err := r.computeCandidates(ctx)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.storeCandidates(ctx, rows)
	}

	return rows, nil
}

func (r *Ranker) cachedCandidates(ctx context.Context) ([]telemetry.DeviceRankingRow, bool) {
	data, ok, err := r.cache.Get(ctx, r.CacheKey())
	if err != nil {
		r.logger.Warn("ranking cache read failed", "error", err)
		r.observeCache("error")
		return nil, false
	}
	if !ok {
		r.observeCache("miss")
		return nil, false
	}

	var rows []telemetry.DeviceRankingRow
	if err := json.Unmarshal(data, &rows); err != nil {
		r.logger.Warn("discarding undecodable ranking cache entry", "error", err)
		r.observeCache("error")
		return nil, false
	}

	r.observeCache("hit")
	return rows, true
}

func (r *Ranker) storeCandidates(ctx context.Context, rows []telemetry.DeviceRankingRow) {
	data, err := json.Marshal(rows)
	if err != nil {
		r.logger.Warn("failed to encode ranking candidates", "error", err)
		return
	}
	if err := r.cache.Set(ctx, r.CacheKey(), data, r.cacheTTL); err != nil {
		r.logger.Warn("ranking cache write failed", "error", err)
	}
}

func (r *Ranker) observeCache(result string) {
	if r.metrics != nil {
		r.metrics.CacheRequestsTotal.WithLabelValues(result).Inc()
	}
}

// computeCandidates runs the independent store reads concurrently and joins them.
func (r *Ranker) computeCandidates(ctx context.Context) ([]telemetry.DeviceRankingRow, error) {
	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.EngineDuration.WithLabelValues("candidates"))
		defer timer.ObserveDuration()
	}

	now := r.now()
	window := WindowEndingAt(now, r.policy.SummaryWindow)
	// Cycle windows are anchored at each device's latest reading, which may be
	// up to one summary window old.
	longest := StandardCycleWindows[len(StandardCycleWindows)-1].Duration
	cycleWindow := WindowEndingAt(now, longest+r.policy.SummaryWindow)

	var (
		summaries  []telemetry.FirstLastSummary
		detections map[telemetry.DeviceKey]Detection
		cycles     []CycleCounts
		tallies    []telemetry.CycleTallyEntry

		summaryErr, bucketErr, cycleErr, tallyErr error
	)

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	group.Submit(func() {
		summaries, summaryErr = r.telemetry.FirstLast(groupCtx, window)
	})

	group.Submit(func() {
		buckets, err := r.telemetry.AggregatedBuckets(groupCtx, window, r.policy.BucketWidth, nil)
		if err != nil {
			bucketErr = err
			return
		}
		detections = r.detector.DetectBatch(buckets)
	})

	group.Submit(func() {
		readings, err := r.telemetry.Readings(groupCtx, cycleWindow, nil)
		if err != nil {
			cycleErr = err
			return
		}
		cycles = ComputeCycleCounts(readings, StandardCycleWindows)
	})

	if r.tally != nil {
		group.Submit(func() {
			tallies, tallyErr = r.tally.ListTallies(groupCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("parallel telemetry fetch encountered error", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if summaryErr != nil {
		return nil, fmt.Errorf("load first/last summaries: %w", summaryErr)
	}
	if bucketErr != nil {
		return nil, fmt.Errorf("load aggregated buckets: %w", bucketErr)
	}
	if cycleErr != nil {
		return nil, fmt.Errorf("load cycle readings: %w", cycleErr)
	}
	if tallyErr != nil {
		return nil, fmt.Errorf("load cycle tally: %w", tallyErr)
	}

	rows := Merge(summaries, detections, cycles, tallies)

	if r.metrics != nil {
		anomalous := 0
		for _, row := range rows {
			if row.Anomaly.HasAnomaly {
				anomalous++
			}
		}
		r.metrics.DevicesRanked.Set(float64(len(rows)))
		r.metrics.AnomalousDevices.Set(float64(anomalous))
	}

	r.logger.Debug("computed ranking candidates",
		"devices", len(rows),
		"window_start", window.Start,
		"window_end", window.End,
	)

	return rows, nil
}

// Merge joins per-device results on the canonical key. Only devices with a
// first/last summary become rows. Lifetime cycles come from the tally, looked
// up by battery ID and then by key.
func Merge(
	summaries []telemetry.FirstLastSummary,
	detections map[telemetry.DeviceKey]Detection,
	cycles []CycleCounts,
	tallies []telemetry.CycleTallyEntry,
) []telemetry.DeviceRankingRow {
	cycleByKey := make(map[telemetry.DeviceKey]CycleCounts, len(cycles))
	for _, c := range cycles {
		cycleByKey[c.Key] = c
	}
	tallyByID := make(map[string]float64, len(tallies))
	for _, t := range tallies {
		tallyByID[t.BatteryID] = t.TotalCycles
	}

	rows := make([]telemetry.DeviceRankingRow, 0, len(summaries))
	for _, s := range summaries {
		row := Summarize(s)
		if det, ok := detections[s.Key]; ok {
			row.Anomaly = det.Summary
		}
		if c, ok := cycleByKey[s.Key]; ok {
			row.Cycles.Last24h = c.Windows["24h"]
			row.Cycles.Last7d = c.Windows["7d"]
			row.Cycles.Last30d = c.Windows["30d"]
		}
		if total, ok := tallyByID[s.BatteryID]; ok && s.BatteryID != "" {
			row.Cycles.Lifetime = total
		} else if total, ok := tallyByID[s.Key.String()]; ok {
			row.Cycles.Lifetime = total
		}
		rows = append(rows, row)
	}
	return rows
}

// DeviceDetail is the drill-down view of one device.
type DeviceDetail struct {
	Row       telemetry.DeviceRankingRow
	Buckets   []telemetry.AggregatedBucket
	Detection Detection
}

// Device returns the ranking row, bucket series and anomaly records of one device.
func (r *Ranker) Device(ctx context.Context, key telemetry.DeviceKey) (DeviceDetail, error) {
	rows, err := r.Candidates(ctx)
	if err != nil {
		return DeviceDetail{}, err
	}

	var (
		row   telemetry.DeviceRankingRow
		found bool
	)
	for _, candidate := range rows {
		if candidate.Key == key {
			row, found = candidate, true
			break
		}
	}
	if !found {
		return DeviceDetail{}, ErrDeviceNotFound
	}

	window := WindowEndingAt(r.now(), r.policy.SummaryWindow)
	buckets, err := r.telemetry.AggregatedBuckets(ctx, window, r.policy.BucketWidth, []telemetry.DeviceKey{key})
	if err != nil {
		return DeviceDetail{}, fmt.Errorf("load aggregated buckets: %w", err)
	}

	return DeviceDetail{
		Row:       row,
		Buckets:   buckets,
		Detection: r.detector.Detect(key, buckets),
	}, nil
}

// CycleCounts estimates 24h/7d/30d and lookback-total cycles per device over
// the last hours (clamped to [1, 8760]).
func (r *Ranker) CycleCounts(ctx context.Context, hours int) ([]CycleCounts, error) {
	var timer *prometheus.Timer
	if r.metrics != nil {
		timer = prometheus.NewTimer(r.metrics.EngineDuration.WithLabelValues("cycle_counts"))
		defer timer.ObserveDuration()
	}

	hours = ClampLookbackHours(hours)
	window := WindowEndingAt(r.now(), time.Duration(hours)*time.Hour)

	readings, err := r.telemetry.Readings(ctx, window, nil)
	if err != nil {
		return nil, fmt.Errorf("load cycle readings: %w", err)
	}

	return ComputeCycleCounts(readings, StandardCycleWindows), nil
}

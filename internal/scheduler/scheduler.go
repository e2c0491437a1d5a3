// Package scheduler publishes cycle tally run requests on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/mq"
)

const (
	// DefaultSchedule fires every 15 minutes. The leading field is seconds.
	DefaultSchedule = "0 */15 * * * *"
	// DefaultSource tags triggers published by the scheduler.
	DefaultSource = "scheduler"
	// DefaultPublishTimeout bounds one broker confirmation.
	DefaultPublishTimeout = 10 * time.Second
)

var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds the configuration for the Scheduler.
type Config struct {
	Logger    *slog.Logger
	Publisher mq.Publisher
	// Schedule is a six-field cron spec or a descriptor such as "@hourly".
	Schedule string
	// Source is recorded on every trigger (defaults to "scheduler").
	Source         string
	PublishTimeout time.Duration
	// RunOnStart publishes one trigger before the first scheduled tick.
	RunOnStart bool
	Metrics    *metrics.SchedulerMetrics
	Now        func() time.Time
}

// Scheduler periodically asks the backend to run a tally pass. The tally
// itself runs in the backend's single queue consumer, so overlapping triggers
// only queue up behind each other.
type Scheduler struct {
	logger     *slog.Logger
	publisher  mq.Publisher
	schedule   cron.Schedule
	spec       string
	source     string
	timeout    time.Duration
	runOnStart bool
	metrics    *metrics.SchedulerMetrics
	now        func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// New creates a new Scheduler instance.
func New(cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("scheduler config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}

	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	source := cfg.Source
	if source == "" {
		source = DefaultSource
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		logger:     cfg.Logger,
		publisher:  cfg.Publisher,
		schedule:   schedule,
		spec:       spec,
		source:     source,
		timeout:    timeout,
		runOnStart: cfg.RunOnStart,
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Trigger publishes one tally run request and returns it.
func (s *Scheduler) Trigger(ctx context.Context) (fleetrpc.TallyTrigger, error) {
	trigger := fleetrpc.TallyTrigger{
		ID:          uuid.NewString(),
		Source:      s.source,
		RequestedAt: s.now().UTC(),
	}

	body, err := fleetrpc.MarshalTrigger(trigger)
	if err != nil {
		s.fail("marshal_error")
		return fleetrpc.TallyTrigger{}, fmt.Errorf("failed to encode trigger: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.publisher.Push(pushCtx, body); err != nil {
		s.fail("push_error")
		return fleetrpc.TallyTrigger{}, fmt.Errorf("failed to publish trigger: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TriggersPublished.Inc()
		s.metrics.LastTrigger.Set(float64(trigger.RequestedAt.Unix()))
	}

	s.logger.Info("published tally trigger", "trigger_id", trigger.ID, "source", trigger.Source)
	return trigger, nil
}

func (s *Scheduler) fail(reason string) {
	if s.metrics != nil {
		s.metrics.TriggerFailures.WithLabelValues(reason).Inc()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Trigger(ctx); err != nil {
		s.logger.Error("failed to publish tally trigger", "error", err)
	}
}

// Run publishes triggers on schedule and blocks until shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	log := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))

	if s.runOnStart {
		s.tick(ctx)
	}

	c.Start()
	s.logger.Info("tally scheduler started", "schedule", s.spec, "next", s.Next(s.now()))

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	cancel()
	<-c.Stop().Done()

	return s.Shutdown()
}

// Shutdown closes the publisher. It is safe to call more than once.
func (s *Scheduler) Shutdown() error {
	s.closeOnce.Do(func() {
		if err := s.publisher.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
			s.closeErr = fmt.Errorf("failed to close publisher: %w", err)
		}
	})

	if s.closeErr != nil {
		s.logger.Error("tally scheduler stopped with errors", "error", s.closeErr)
		return s.closeErr
	}

	s.logger.Info("tally scheduler stopped")
	return nil
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/mq"
)

// TallyProcessor runs one cycle tally pass.
type TallyProcessor interface {
	Process(ctx context.Context) (int, error)
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger    *slog.Logger
	Client    mq.Consumer
	Processor TallyProcessor
	// Queue labels metrics.
	Queue string
	// ReadyTimeout bounds the wait for the broker on Start (defaults to 30s).
	ReadyTimeout time.Duration
	Metrics      *metrics.BackendMetrics
}

// Consumer runs a tally pass for every trigger on the queue. The queue is
// consumed with prefetch 1 by a single goroutine, so passes never overlap.
type Consumer struct {
	logger       *slog.Logger
	client       mq.Consumer
	processor    TallyProcessor
	queue        string
	readyTimeout time.Duration
	metrics      *metrics.BackendMetrics
	done         chan struct{}
	started      bool
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Processor == nil {
		return nil, errors.New("tally processor cannot be nil")
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}

	return &Consumer{
		logger:       cfg.Logger,
		client:       cfg.Client,
		processor:    cfg.Processor,
		queue:        cfg.Queue,
		readyTimeout: readyTimeout,
		metrics:      cfg.Metrics,
		done:         make(chan struct{}),
	}, nil
}

// Start waits for the broker and begins consuming triggers in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting tally trigger consumer", "queue", c.queue)

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()

	if err := c.client.WaitReady(readyCtx); err != nil {
		return fmt.Errorf("mq not ready: %w", err)
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for triggers")

	c.started = true
	go c.processMessages(ctx, deliveries)

	return nil
}

// Done is closed once the processing loop has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping trigger processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// Acknowledger is the subset of amqp.Delivery used to settle a message.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	c.Handle(ctx, delivery.Body, delivery)
}

// Handle processes one trigger body and settles it. Malformed triggers are
// acked and dropped; failed passes are nacked without requeue since the next
// trigger repeats the same idempotent work.
func (c *Consumer) Handle(ctx context.Context, body []byte, ack Acknowledger) {
	trigger, err := fleetrpc.UnmarshalTrigger(body)
	if err != nil {
		c.logger.Error("failed to decode tally trigger", "error", err)
		c.observe("invalid")
		if ackErr := ack.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	c.logger.Info("received tally trigger",
		"trigger_id", trigger.ID,
		"source", trigger.Source,
		"requested_at", trigger.RequestedAt,
	)

	updated, err := c.processor.Process(ctx)
	if err != nil {
		c.logger.Error("tally pass failed", "trigger_id", trigger.ID, "error", err)
		c.observe("error")
		if nackErr := ack.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := ack.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		return
	}

	c.observe("success")
	c.logger.Info("tally pass completed", "trigger_id", trigger.ID, "updated", updated)
}

func (c *Consumer) observe(status string) {
	if c.metrics != nil {
		c.metrics.TriggerMessagesTotal.WithLabelValues(c.queue, status).Inc()
	}
}

// Stop closes the MQ client and waits for the processing loop to exit.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	closeErr := c.client.Close()
	if closeErr != nil && !errors.Is(closeErr, mq.ErrAlreadyClosed) {
		closeErr = fmt.Errorf("failed to close mq client: %w", closeErr)
	} else {
		closeErr = nil
	}

	if c.started {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			c.logger.Warn("timed out waiting for trigger processing to stop")
		}
	}

	c.logger.Info("consumer stopped")
	return closeErr
}

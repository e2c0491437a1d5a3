package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher pushes messages onto a queue.
type Publisher interface {
	// Push publishes data and waits for a broker confirmation.
	Push(ctx context.Context, data []byte) error
	Close() error
}

// Consumer receives deliveries from a queue. Every delivery must be acked or nacked.
type Consumer interface {
	// WaitReady blocks until the broker connection is usable.
	WaitReady(ctx context.Context) error
	Consume() (<-chan amqp.Delivery, error)
	Close() error
}

// ClientInterface is the full queue client surface, satisfied by Client and mock.Client.
type ClientInterface interface {
	Publisher
	Consumer

	// UnsafePush publishes without waiting for a confirmation.
	UnsafePush(ctx context.Context, data []byte) error
}

var _ ClientInterface = (*Client)(nil)

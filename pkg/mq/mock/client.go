// Package mock provides an in-memory stand-in for the mq client.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-dash/pkg/mq"
)

// Client records pushed payloads and replays a configurable delivery channel.
type Client struct {
	mu sync.Mutex

	// PushFunc overrides Push when set; otherwise PushError is returned.
	PushFunc  func(ctx context.Context, data []byte) error
	PushError error
	// UnsafePushError is returned by UnsafePush.
	UnsafePushError error

	// Deliveries is returned by Consume together with ConsumeError.
	Deliveries   chan amqp.Delivery
	ConsumeError error
	CloseError   error

	pushed       [][]byte
	consumeCalls int
	closeCalls   int
}

// NewClient returns a mock with a buffered delivery channel.
func NewClient() *Client {
	return &Client{Deliveries: make(chan amqp.Delivery, 16)}
}

// Push implements mq.Publisher.
func (c *Client) Push(ctx context.Context, data []byte) error {
	c.mu.Lock()
	fn, err := c.PushFunc, c.PushError
	c.mu.Unlock()

	if fn != nil {
		err = fn(ctx, data)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pushed = append(c.pushed, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

// UnsafePush implements mq.ClientInterface.
func (c *Client) UnsafePush(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.UnsafePushError != nil {
		return c.UnsafePushError
	}
	c.pushed = append(c.pushed, append([]byte(nil), data...))
	return nil
}

// WaitReady implements mq.Consumer; the mock is always ready.
func (c *Client) WaitReady(context.Context) error {
	return nil
}

// Consume implements mq.Consumer.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumeCalls++
	if c.ConsumeError != nil {
		return nil, c.ConsumeError
	}
	return c.Deliveries, nil
}

// Close implements mq.Publisher and mq.Consumer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCalls++
	return c.CloseError
}

// Pushed returns a copy of every successfully pushed payload.
func (c *Client) Pushed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pushed...)
}

// ConsumeCalls returns how often Consume was called.
func (c *Client) ConsumeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumeCalls
}

// CloseCalls returns how often Close was called.
func (c *Client) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

var _ mq.ClientInterface = (*Client)(nil)

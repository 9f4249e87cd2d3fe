package channel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// LoopbackDriver is the development transport: clients authenticate
// instantly and sends succeed with a configurable rate, emitting acks the
// way the real network would. It backs local runs and tests.
type LoopbackDriver struct {
	// FailRate is the fraction of sends that fail, 0..1.
	FailRate float64
}

func (d *LoopbackDriver) NewClient(userID string, handle func(DriverEvent)) (Client, error) {
	return &loopbackClient{
		userID:   userID,
		handle:   handle,
		failRate: d.FailRate,
	}, nil
}

type loopbackClient struct {
	userID   string
	handle   func(DriverEvent)
	failRate float64

	mu     sync.Mutex
	closed bool
	ready  atomic.Bool
}

func (c *loopbackClient) Start(ctx context.Context) error {
	c.ready.Store(true)
	c.emit(DriverEvent{Kind: EventReady})
	return nil
}

func (c *loopbackClient) Send(ctx context.Context, recipient, body string) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("loopback: client for %s not started", c.userID)
	}
	if c.failRate > 0 && rand.Float64() < c.failRate {
		return "", fmt.Errorf("loopback: simulated send failure to %s", recipient)
	}

	id := uuid.NewString()
	c.emit(DriverEvent{Kind: EventAck, MessageID: id, Ack: AckServer})
	c.emit(DriverEvent{Kind: EventAck, MessageID: id, Ack: AckDelivered})

	return id, nil
}

func (c *loopbackClient) Authenticated() bool {
	return c.ready.Load()
}

func (c *loopbackClient) Logout(ctx context.Context) error {
	c.ready.Store(false)
	return nil
}

func (c *loopbackClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.ready.Store(false)
	return nil
}

func (c *loopbackClient) emit(ev DriverEvent) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.handle(ev)
}

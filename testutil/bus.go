package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/michalspano/appointdent/busclient"
)

// MockBusClient is a thread-safe in-memory bus for tests. Publish delivers
// synchronously to every handler subscribed to the exact subject, in
// subscription order. It satisfies the Bus interfaces declared by consumer
// packages (Publish + Subscribe signatures match busclient.Client).
type MockBusClient struct {
	mu        sync.RWMutex
	nextID    int
	published map[string][][]byte
	handlers  map[string]map[int]func(context.Context, []byte)
	closed    bool
}

// NewMockBusClient creates a new in-memory bus.
func NewMockBusClient() *MockBusClient {
	return &MockBusClient{
		published: make(map[string][][]byte),
		handlers:  make(map[string]map[int]func(context.Context, []byte)),
	}
}

// Publish records the message and delivers it to current subscribers.
func (c *MockBusClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}

	c.published[subject] = append(c.published[subject], data)

	// Copy handlers so callbacks run without the lock held
	var handlers []func(context.Context, []byte)
	for _, h := range c.handlers[subject] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, data)
		cancel()
	}

	return nil
}

// Subscribe registers a handler for a subject and returns a handle whose
// Unsubscribe really removes the handler.
func (c *MockBusClient) Subscribe(
	ctx context.Context, subject string, handler func(context.Context, []byte),
) (*busclient.Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}

	if c.handlers[subject] == nil {
		c.handlers[subject] = make(map[int]func(context.Context, []byte))
	}
	id := c.nextID
	c.nextID++
	c.handlers[subject][id] = handler

	return busclient.NewSubscription(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[subject], id)
		return nil
	}), nil
}

// Published returns a copy of everything published to a subject.
func (c *MockBusClient) Published(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := make([][]byte, len(c.published[subject]))
	copy(msgs, c.published[subject])
	return msgs
}

// SubscriberCount returns the number of live handlers for a subject.
func (c *MockBusClient) SubscriberCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[subject])
}

// Close rejects all further operations.
func (c *MockBusClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

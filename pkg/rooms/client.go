package rooms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when a bounded client queue has no room left.
	ErrQueueFull = errors.New("client queue full")
	// ErrClientClosed is returned once a client has been removed.
	ErrClientClosed = errors.New("client closed")
)

// Client is one live connection's outbound queue of serialized messages.
// The registry owns its membership; the transport drains it with Next.
type Client struct {
	id       uuid.UUID
	key      Key
	capacity int

	// sendMu serializes producers so every recipient sees messages in the
	// order they were broadcast to it.
	sendMu sync.Mutex

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	ready chan struct{}
	space chan struct{}
	done  chan struct{}
}

func newClient(key Key, capacity int) *Client {
	return &Client{
		id:       uuid.New(),
		key:      key,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() uuid.UUID { return c.id }

// Key returns the room the client joined.
func (c *Client) Key() Key { return c.key }

// Done is closed when the client is removed from its room.
func (c *Client) Done() <-chan struct{} { return c.done }

// Len returns the number of queued messages.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Next blocks until a message is queued, ctx ends or the client is removed.
// Messages still queued at removal are discarded.
func (c *Client) Next(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClientClosed
		}
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			notify(c.space)
			return msg, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
			return nil, ErrClientClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type offerResult int

const (
	offered offerResult = iota
	offerFull
	offerBusy
	offerClosed
)

// offer queues msg without waiting on anything.
func (c *Client) offer(msg []byte) offerResult {
	if !c.sendMu.TryLock() {
		return offerBusy
	}
	defer c.sendMu.Unlock()
	switch err := c.push(msg); {
	case err == nil:
		return offered
	case errors.Is(err, ErrClientClosed):
		return offerClosed
	default:
		return offerFull
	}
}

// enqueue queues msg, waiting up to wait for space in a full queue.
func (c *Client) enqueue(ctx context.Context, msg []byte, wait time.Duration) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		err := c.push(msg)
		if !errors.Is(err, ErrQueueFull) || timeout == nil {
			return err
		}
		select {
		case <-c.space:
		case <-timeout:
			return ErrQueueFull
		case <-c.done:
			return ErrClientClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) push(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.capacity > 0 && len(c.queue) >= c.capacity {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	notify(c.ready)
	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.done)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

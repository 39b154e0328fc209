package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/notelive/pkg/events"
)

// Overflow selects what happens when a recipient's queue is full.
type Overflow string

const (
	// Drop discards the message for that recipient straight away.
	Drop Overflow = "drop"
	// Block waits up to the enqueue timeout for space, then drops.
	Block Overflow = "block"
)

func ParseOverflow(s string) (Overflow, error) {
	switch o := Overflow(s); o {
	case Drop, Block:
		return o, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (want %q or %q)", s, Drop, Block)
	}
}

// Result counts what happened to one broadcast.
type Result struct {
	Recipients int
	Delivered  int
	Dropped    int
}

// Dispatcher resolves room keys against a Registry and enqueues messages
// on every matching client.
type Dispatcher struct {
	registry *Registry
	overflow Overflow
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, overflow Overflow, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if overflow == "" {
		overflow = Drop
	}
	return &Dispatcher{registry: registry, overflow: overflow, timeout: timeout, logger: logger}
}

// Broadcast serializes msg once and queues it for every client key reaches:
// one note's room, every room under a notebook, or every room at all.
// Rooms nobody is in are not an error. A sub-scope without a scope fails
// with ErrInvalidRoomKey and delivers nothing.
//
// Full queues never hold up other recipients. Under Block, waiting
// recipients are waited on concurrently, so a broadcast takes at most one
// enqueue timeout longer than the fast path. Broadcast returns only once
// every recipient has been dealt with, which keeps delivery to each client
// in broadcast order.
func (d *Dispatcher) Broadcast(ctx context.Context, msg events.Message, key Key) (Result, error) {
	targets, err := d.registry.members(key)
	if err != nil {
		return Result{}, err
	}
	res := Result{Recipients: len(targets)}
	if len(targets) == 0 {
		return res, nil
	}
	payload, err := events.Encode(msg)
	if err != nil {
		return Result{}, err
	}

	var slow []*Client
	for _, c := range targets {
		switch c.offer(payload) {
		case offered:
			res.Delivered++
		case offerClosed:
			res.Recipients--
		case offerFull:
			if d.overflow == Block && d.timeout > 0 {
				slow = append(slow, c)
			} else {
				res.Dropped++
				d.logDrop(msg, c, ErrQueueFull)
			}
		case offerBusy:
			slow = append(slow, c)
		}
	}

	if len(slow) > 0 {
		wait := time.Duration(0)
		if d.overflow == Block {
			wait = d.timeout
		}
		var mu sync.Mutex
		wg := new(sync.WaitGroup)
		for _, c := range slow {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				err := c.enqueue(ctx, payload, wait)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					res.Delivered++
				case errors.Is(err, ErrClientClosed):
					res.Recipients--
				default:
					res.Dropped++
					d.logDrop(msg, c, err)
				}
			}(c)
		}
		wg.Wait()
	}

	d.logger.Debug("broadcast", "category", msg.Category, "room", key, "recipients", res.Recipients, "dropped", res.Dropped)
	return res, nil
}

func (d *Dispatcher) logDrop(msg events.Message, c *Client, err error) {
	d.logger.Warn("dropped live message", "category", msg.Category, "room", c.Key(), "client", c.ID(), "err", err)
}

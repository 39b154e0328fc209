// Package live pumps change notifications over a websocket: Serve on the
// server side of a viewer connection, Listen on the viewer's side.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/notelive/pkg/events"
)

// Source yields the serialized messages queued for one viewer.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, context.Canceled)
}

// session is one connection's shared close state.
type session struct {
	conn    *websocket.Conn
	timeout time.Duration
	// peerClosed is set once the peer's close frame has arrived.
	peerClosed atomic.Bool
	// readDone is closed when the reader returns.
	readDone chan struct{}
}

func newSession(conn *websocket.Conn, timeout time.Duration) *session {
	s := &session{conn: conn, timeout: timeout, readDone: make(chan struct{})}
	// The reply may race with our own close or a dead socket; either way
	// the peer has said goodbye, so a failed reply is not an error.
	conn.SetCloseHandler(func(code int, text string) error {
		s.peerClosed.Store(true)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(timeout))
		return nil
	})
	return s
}

// readErr classifies a read failure. Anything after the peer's close frame
// or our own cancellation is a normal end.
func (s *session) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || s.peerClosed.Load() {
		return nil
	}
	return fmt.Errorf("failed to read message: %w", err)
}

// close sends a close frame with code and waits, at most the write timeout,
// for the reader to see the peer's reply before the connection is torn
// down.
func (s *session) close(code int) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(s.timeout))
	select {
	case <-s.readDone:
	case <-time.After(s.timeout):
	}
}

// run starts the reader and writer for the session and waits for both.
// Whichever returns first cancels the other; the connection is closed once
// the writer is done.
func (s *session) run(
	ctx context.Context,
	reader func(ctx context.Context) error,
	writer func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var firstErr error
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil && err != nil && !isNormalClose(err) {
			firstErr = err
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer close(s.readDone)
		record(reader(ctx))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.conn.Close()
		defer cancel()
		record(writer(ctx))
	}()

	wg.Wait()
	return firstErr
}

func (s *session) readAndLogFrames(logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			mt, p, err := s.conn.ReadMessage()
			if err != nil {
				return s.readErr(ctx, err)
			}
			logger.Info("received live frame", "type", mt, "data", string(p))
		}
	}
}

func ping(conn *websocket.Conn, timeout time.Duration) error {
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	return nil
}

// Serve pumps messages from source to conn until the viewer disconnects,
// the source is closed or ctx ends. Inbound frames are only logged. The
// connection is closed on return.
func Serve(ctx context.Context, conn *websocket.Conn, source Source, opts Options) error {
	opts = opts.withDefaults()
	logger := opts.logger()
	s := newSession(conn, opts.WriteTimeout)
	writer := func(ctx context.Context) error {
		for {
			waitCtx, cancel := context.WithTimeout(ctx, opts.PingInterval)
			msg, err := source.Next(waitCtx)
			cancel()
			switch {
			case err == nil:
				_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					if s.peerClosed.Load() {
						return nil
					}
					return fmt.Errorf("failed to write message: %w", err)
				}
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				if err := ping(conn, opts.WriteTimeout); err != nil && !s.peerClosed.Load() {
					return err
				}
			case ctx.Err() != nil:
				if !s.peerClosed.Load() {
					s.close(websocket.CloseGoingAway)
				}
				return nil
			default:
				logger.Info("live source closed", "err", err)
				s.close(websocket.CloseGoingAway)
				return nil
			}
		}
	}
	return s.run(ctx, s.readAndLogFrames(logger), writer)
}

// Listen decodes every message the server sends and passes it to handle,
// pinging the server while idle. It returns when the connection closes or
// ctx ends.
func Listen(ctx context.Context, conn *websocket.Conn, handle func(events.Message), opts Options) error {
	opts = opts.withDefaults()
	logger := opts.logger()
	s := newSession(conn, opts.WriteTimeout)
	reader := func(ctx context.Context) error {
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				return s.readErr(ctx, err)
			}
			if mt != websocket.TextMessage {
				continue
			}
			msg, err := events.Decode(p)
			if err != nil {
				logger.Error("skipping undecodable message", "err", err)
				continue
			}
			handle(msg)
		}
	}
	writer := func(ctx context.Context) error {
		t := time.NewTicker(opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := ping(conn, opts.WriteTimeout); err != nil && !s.peerClosed.Load() {
					return err
				}
			case <-ctx.Done():
				if !s.peerClosed.Load() {
					s.close(websocket.CloseNormalClosure)
				}
				return nil
			}
		}
	}
	return s.run(ctx, reader, writer)
}

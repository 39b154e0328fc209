package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/astromechza/notelive/pkg/auth"
	"github.com/astromechza/notelive/pkg/events"
	"github.com/astromechza/notelive/pkg/live"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := pflag.NewFlagSet("notelive-client", pflag.ContinueOnError)
	addrVar := fs.String("addr", "127.0.0.1:8080", "the address to request on")
	bearerVar := fs.String("bearer", os.Getenv("NOTELIVE_BEARER"), "bearer token to authenticate with")
	secretVar := fs.String("jwt-secret", os.Getenv("NOTELIVE_AUTH_JWT_SECRET"), "sign a bearer token locally with this secret instead")
	userVar := fs.String("user", "", "principal to sign a bearer token for, with --jwt-secret")
	notebookVar := fs.String("notebook", "", "notebook to watch; empty watches everything (admins only)")
	noteVar := fs.String("note", "", "note to watch within --notebook")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	bearer := *bearerVar
	if bearer == "" {
		if *secretVar == "" || *userVar == "" {
			return errors.New("either --bearer or both --jwt-secret and --user are required")
		}
		principal, err := uuid.Parse(*userVar)
		if err != nil {
			return fmt.Errorf("bad --user: %w", err)
		}
		if bearer, err = auth.New([]byte(*secretVar), time.Hour).Issue(principal); err != nil {
			return fmt.Errorf("failed to sign bearer: %w", err)
		}
	}

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	livePath, err := liveSubPath(*notebookVar, *noteVar)
	if err != nil {
		return err
	}
	c := &client{baseUrl: baseUrl, bearer: bearer, livePath: livePath}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.connectAndListenContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	return nil
}

// liveSubPath is the live endpoint under /api without the trailing token.
func liveSubPath(notebook, note string) (string, error) {
	if notebook == "" {
		if note != "" {
			return "", errors.New("--note needs --notebook")
		}
		return "ws", nil
	}
	if _, err := uuid.Parse(notebook); err != nil {
		return "", fmt.Errorf("bad --notebook: %w", err)
	}
	if note == "" {
		return "notebooks/" + notebook + "/ws", nil
	}
	if _, err := uuid.Parse(note); err != nil {
		return "", fmt.Errorf("bad --note: %w", err)
	}
	return "notebooks/" + notebook + "/notes/" + note + "/ws", nil
}

type client struct {
	baseUrl  *url.URL
	bearer   string
	livePath string
}

func (c *client) connectAndListenContinuously(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := c.connectAndListen(ctx); err != nil {
			slog.Error("live connection failed", "err", err)
		} else if ctx.Err() == nil {
			slog.Info("live connection closed by server")
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping live connection")
			return
		}
	}
}

// fetchToken asks for a fresh live token. Tokens are spent when the
// connection they opened ends, so every reconnect needs a new one.
func (c *client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseUrl.JoinPath("api/ws-token").String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	return out.Token, nil
}

func (c *client) connectAndListen(ctx context.Context) error {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return err
	}
	u := c.baseUrl.JoinPath("api", c.livePath, token)
	u.Scheme = "ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "room", c.livePath)
	return live.Listen(ctx, conn, func(m events.Message) {
		slog.Info("received", "category", m.Category, "timestamp", m.Timestamp, "payload", m.Payload)
	}, live.Options{})
}

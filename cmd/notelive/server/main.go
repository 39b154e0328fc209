package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/astromechza/notelive/pkg/auth"
	"github.com/astromechza/notelive/pkg/config"
	"github.com/astromechza/notelive/pkg/live"
	"github.com/astromechza/notelive/pkg/rooms"
	"github.com/astromechza/notelive/pkg/server"
	"github.com/astromechza/notelive/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	admins, err := cfg.AdminIDs()
	if err != nil {
		return err
	}
	overflow, err := rooms.ParseOverflow(cfg.Live.Overflow)
	if err != nil {
		return err
	}

	slog.Info("Opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := rooms.NewRegistry(cfg.Live.QueueSize, slog.Default())
	dispatcher := rooms.NewDispatcher(registry, overflow, cfg.Live.EnqueueTimeout, slog.Default())
	s := server.New(st, auth.New([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL), registry, dispatcher, server.Options{
		Admins: admins,
		Conn: live.Options{
			PingInterval: cfg.Live.PingInterval,
			WriteTimeout: cfg.Live.WriteTimeout,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live connections are hijacked, so Shutdown does not reach them; they
	// end when ctx is cancelled instead.
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Server.Addr, "overflow", overflow, "queue_size", cfg.Live.QueueSize)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig, "live_clients", registry.Count())
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}

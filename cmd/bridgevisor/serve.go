package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/loykin/bridgevisor"
)

// service is the part of the supervisor the serve loop drives.
type service interface {
	Serve() error
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

func runServe(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	log := cfg.Log.NewSlogger()
	slog.SetDefault(log)

	sup, err := bridgevisor.New(cfg, bridgevisor.WithLogger(log))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, shutdownSignals()...)
	defer signal.Stop(sigs)

	return serve(ctx, sup, sigs, log)
}

// serve starts the session and blocks until a signal has shut it down.
// Every signal requests shutdown; only the first one does the work. A panic
// shuts the session down before it propagates.
func serve(ctx context.Context, svc service, sigs <-chan os.Signal, log *slog.Logger) error {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic, shutting down", "panic", r)
			_ = svc.Shutdown(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := svc.Serve(); err != nil {
		log.Warn("admin endpoints unavailable", "error", err)
	}
	if err := svc.Start(ctx); err != nil {
		if serr := svc.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			log.Error("shutdown after failed start", "error", serr)
		}
		return fmt.Errorf("start session: %w", err)
	}

	done := make(chan error, 1)
	requested := false
	for {
		select {
		case sig := <-sigs:
			log.Info("signal received", "signal", sig.String())
			if requested {
				_ = svc.Shutdown(context.WithoutCancel(ctx))
				continue
			}
			requested = true
			go func() { done <- svc.Shutdown(context.WithoutCancel(ctx)) }()
		case err := <-done:
			if err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Info("bye")
			return nil
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-uart-bridge/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uart-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel, cfg.roles)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	b, err := newBus(ctx, cfg, l)
	if err != nil {
		l.Error("bus_init_error", "error", err)
		return err
	}
	defer func() { _ = b.Close() }()

	runners, err := buildRunners(cfg, b, l)
	if err != nil {
		l.Error("role_init_error", "error", err)
		return err
	}
	defer func() {
		for _, r := range runners {
			r.close()
		}
	}()

	errCh := make(chan error, len(runners))
	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			if err := r.run(ctx); err != nil {
				l.Error("role_failed", "role", r.name, "error", err)
				errCh <- fmt.Errorf("%s: %w", r.name, err)
			}
		}(r)
	}

	go advertise(ctx, cfg, runners, l)

	metrics.SetReadinessFunc(func() bool {
		if ctx.Err() != nil {
			return false
		}
		for _, r := range runners {
			if !r.ready() {
				return false
			}
		}
		return true
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date, cfg.role)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	var runErr error
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case runErr = <-errCh:
	}
	cancel()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// advertise announces the first role with a reachable port once it is bound.
func advertise(ctx context.Context, cfg *appConfig, runners []runner, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		for _, r := range runners {
			if r.port == nil {
				continue
			}
			port := r.port()
			if port == 0 {
				continue
			}
			cleanup, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port, "role", r.name)
			<-ctx.Done()
			cleanup()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mblsha/sentinel/internal/builder"
	"github.com/mblsha/sentinel/internal/config"
	"github.com/mblsha/sentinel/internal/discovery"
	"github.com/mblsha/sentinel/internal/events"
	"github.com/mblsha/sentinel/internal/logging"
	"github.com/mblsha/sentinel/internal/metrics"
	"github.com/mblsha/sentinel/internal/registry"
	"github.com/mblsha/sentinel/internal/server"
	"github.com/mblsha/sentinel/internal/supervisor"
	"github.com/mblsha/sentinel/internal/watch"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] != "serve" {
		usage()
		os.Exit(2)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New("sentinel", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logger.Error("sentinel failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	source, err := sourceFor(cfg)
	if err != nil {
		return err
	}

	var b builder.Builder
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SENTINEL_USE_FAKE_BUILDER")), "1") {
		b = &builder.FakeBuilder{}
		logger.Info("using fake builder")
	} else {
		b = builder.NewCrystalBuilder(builder.OSRunner{}, logger)
	}

	hub := events.NewHub()
	m := metrics.New(reg)
	sup, err := supervisor.New(supervisor.Options{
		Config:   cfg,
		Registry: registry.New(),
		Builder:  b,
		Source:   source,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	supCtx, stopSupervisor := context.WithCancel(ctx)
	defer func() {
		stopSupervisor()
		sup.Wait()
		hub.Close()
	}()
	if err := sup.Start(supCtx); err != nil {
		return err
	}

	api := server.New(server.Options{
		Config:     cfg,
		Supervisor: sup,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   gatherer,
		Logger:     logger,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	httpServer := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	advertiser := startAdvertiser(cfg, ln.Addr().String(), logger)
	defer closeAdvertiserWithTimeout(advertiser, time.Second, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sentinel listening", "addr", ln.Addr().String(), "workspace", cfg.WorkspaceRoot)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		// Close the event hub first so websocket handlers return and
		// Shutdown does not wait on them.
		hub.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func sourceFor(cfg config.Config) (watch.Source, error) {
	switch cfg.WatchMode {
	case config.WatchModeNative:
		return watch.Notify{}, nil
	case config.WatchModePoll:
		return watch.Poll{Interval: cfg.PollInterval}, nil
	default:
		return nil, fmt.Errorf("unknown watch mode %q", cfg.WatchMode)
	}
}

func startAdvertiser(cfg config.Config, boundAddr string, logger *slog.Logger) *discovery.Advertiser {
	if !cfg.DiscoveryEnabled {
		return nil
	}
	port, err := discovery.ParseListenPort(boundAddr)
	if err != nil {
		logger.Warn("discovery advertisement disabled", "err", err)
		return nil
	}
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = hostFallback()
	}
	advertiser, err := discovery.StartAdvertiser(discovery.Advertisement{
		Instance:  instance,
		Service:   cfg.DiscoveryService,
		Domain:    cfg.DiscoveryDomain,
		Port:      port,
		Workspace: cfg.WorkspaceRoot,
		Version:   version,
	})
	if err != nil {
		logger.Warn("failed to start discovery advertisement", "err", err)
		return nil
	}
	logger.Info("discovery advertisement enabled", "service", cfg.DiscoveryService, "domain", cfg.DiscoveryDomain, "instance", instance, "port", port)
	return advertiser
}

func closeAdvertiserWithTimeout(advertiser *discovery.Advertiser, timeout time.Duration, logger *slog.Logger) {
	if advertiser == nil {
		return
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = advertiser.Close()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("discovery advertiser close timed out", "timeout", timeout)
	}
}

func usage() {
	_, _ = os.Stderr.WriteString("sentinel usage:\n")
	_, _ = os.Stderr.WriteString("  sentinel\n")
	_, _ = os.Stderr.WriteString("  sentinel serve\n")
}

func hostFallback() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return "sentinel"
	}
	return strings.TrimSpace(hostname)
}

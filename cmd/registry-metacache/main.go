// Command registry-metacache runs the caching reverse proxy in front of a
// package-registry metadata API: cache-hit/miss routing, the async strip
// pipeline, the dependency prefetcher, and the changes-feed synchronizer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Utopian-Contributors/upm-registry/internal/cachestore"
	"github.com/Utopian-Contributors/upm-registry/internal/config"
	"github.com/Utopian-Contributors/upm-registry/internal/prefetch"
	"github.com/Utopian-Contributors/upm-registry/internal/proxy"
	"github.com/Utopian-Contributors/upm-registry/internal/stats"
	"github.com/Utopian-Contributors/upm-registry/internal/strip"
	"github.com/Utopian-Contributors/upm-registry/internal/syncer"
	"github.com/Utopian-Contributors/upm-registry/internal/upstream"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: registry-metacache -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/-/health")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to create cache store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	sink, err := stats.Open(cfg.EventLogPath)
	if err != nil {
		slog.Error("failed to open event log", "path", cfg.EventLogPath, "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	client := upstream.New(cfg.UpstreamRegistry, cfg.UpstreamTimeout, cfg.BackgroundRateLimit)

	pipeline := strip.NewPipeline(store, sink, cfg.NConcurrent)
	prefetcher := prefetch.New(client, store, sink, cfg.NConcurrent, cfg.NMax)
	pipeline.OnTrimmed = func(name string, trimmed []byte) {
		prefetcher.Trigger(trimmed)
	}

	sync := syncer.New(client, store, sink, syncer.Config{
		ChangesFeedURL: cfg.ChangesFeedURL,
		CursorPath:     cfg.CursorPath,
		PollInterval:   cfg.PollInterval,
		MaxBackoff:     cfg.BackoffCap,
		MaxConcurrent:  cfg.NConcurrent,
	})
	go sync.Run(ctx)

	handler := &proxy.Handler{
		Upstream:        client,
		Cache:           store,
		Stats:           sink,
		Strip:           pipeline,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(handler, h2s),
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(sink.Gatherer(), promhttp.HandlerOpts{}),
	}

	go func() {
		slog.Info("starting proxy", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamRegistry, "backend", cfg.StorageBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("proxy server error", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		slog.Info("starting metrics listener", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.Config) (cachestore.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		store, err := cachestore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("initializing S3 bucket: %w", err)
		}
		return store, nil
	case "fs":
		return cachestore.NewFSStore(cfg.FSRoot), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}

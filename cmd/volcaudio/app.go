package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"volcaudio/internal/catalog"
	"volcaudio/internal/config"
	"volcaudio/internal/delivery"
	"volcaudio/internal/objstore"
	"volcaudio/internal/populate"
	"volcaudio/internal/stream"
	"volcaudio/internal/upstream"
	"volcaudio/internal/variant"
)

// app is the wired pipeline shared by the subcommands.
type app struct {
	store   *objstore.Gateway
	catalog *catalog.Catalog
	pop     *populate.Populator
	ctrl    *delivery.Controller
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := objstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{store: store}

	if cfg.Catalog.Path != "" {
		a.catalog, err = openCatalog(cfg.Catalog.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	enc, err := variant.NewEncoder(variant.Options{
		GzipLevel:    cfg.Encoding.GzipLevel,
		BloscLevel:   cfg.Encoding.BloscLevel,
		ChunkSamples: cfg.Encoding.ChunkSamples,
		Workers:      cfg.Encoding.Workers,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("encoder: %w", err)
	}

	sources := make(map[string]upstream.Station, len(cfg.Sources))
	for id, s := range cfg.Sources {
		sources[id] = s.Selector()
	}

	popOpts := populate.Options{
		Sources:    sources,
		Upstream:   newUpstream(cfg, logger),
		Store:      store,
		Encoder:    enc,
		ArchiveRaw: cfg.Populate.ArchiveRaw,
		Logger:     logger,
	}
	ctrlOpts := delivery.Options{Store: store, Logger: logger}
	if a.catalog != nil {
		popOpts.Catalog = a.catalog
		ctrlOpts.Catalog = a.catalog
	}
	a.pop = populate.New(popOpts)

	steps, steady := cfg.StreamSteps()
	ctrlOpts.Populator = a.pop
	ctrlOpts.Schedule = stream.Schedule{Steps: steps, Steady: steady}
	a.ctrl = delivery.New(ctrlOpts)
	return a, nil
}

func (a *app) Close() {
	if a.catalog != nil {
		_ = a.catalog.Close()
	}
	_ = a.store.Close()
}

func newUpstream(cfg config.Config, logger *slog.Logger) upstream.Source {
	if cfg.Upstream.Kind == "http" {
		return upstream.NewHTTPSource(upstream.HTTPOptions{
			BaseURL:           cfg.Upstream.BaseURL,
			Timeout:           cfg.UpstreamTimeout(),
			LocationFallbacks: cfg.Upstream.LocationFallbacks,
			Logger:            logger,
		})
	}
	return upstream.Sweep{Rate: cfg.Upstream.SweepRate}
}

func openCatalog(path string) (*catalog.Catalog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	cat, err := catalog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return cat, nil
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	h := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           lvl,
	})
	return slog.New(h), nil
}

// Package server is the HTTP transport for variant delivery.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/cachekey"
	"volcaudio/internal/catalog"
	"volcaudio/internal/config"
	"volcaudio/internal/delivery"
	"volcaudio/internal/objstore"
	"volcaudio/internal/populate"
)

// StoreStats is implemented by objstore.Gateway.
type StoreStats interface {
	Stats() objstore.Stats
}

type Options struct {
	Config     config.Config
	Controller *delivery.Controller
	Populator  *populate.Populator
	Store      StoreStats
	// Catalog is optional.
	Catalog *catalog.Catalog
	Logger  *slog.Logger
}

type Service struct {
	cfg     config.Config
	ctrl    *delivery.Controller
	pop     *populate.Populator
	store   StoreStats
	catalog *catalog.Catalog
	log     *slog.Logger

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the service and starts the stats and warm-up loops when
// their intervals are configured.
func New(o Options) *Service {
	s := &Service{
		cfg:     o.Config,
		ctrl:    o.Controller,
		pop:     o.Populator,
		store:   o.Store,
		catalog: o.Catalog,
		log:     o.Logger,
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	if every := o.Config.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	if len(o.Config.Warm.Requests) > 0 {
		s.log.Info("warm-up enabled", "requests", len(o.Config.Warm.Requests), "every", o.Config.WarmEvery())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(o.Config.WarmEvery())
		}()
	}
	return s
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/variant", s.handleVariant)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/entries", s.handleEntries)
	return s.cors(mux)
}

func (s *Service) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.Server.CORSOrigin)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Range, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Service) handleEntries(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "catalog disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var (
		entries []catalog.Entry
		err     error
	)
	if key := r.URL.Query().Get("key"); key != "" {
		if !cachekey.Valid(key) {
			s.writeError(w, cacheerr.Errorf(cacheerr.InvalidRequest, "server.entries", "malformed cache key %q", key))
			return
		}
		var e catalog.Entry
		e, err = s.catalog.Get(ctx, key)
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "no catalog entry for " + key})
			return
		}
		entries = []catalog.Entry{e}
	} else {
		entries, err = s.catalog.List(ctx)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	type row struct {
		CacheKey      string  `json:"cache_key"`
		Source        string  `json:"source"`
		HoursAgo      int     `json:"hours_ago"`
		DurationHours int     `json:"duration_hours"`
		Samples       int     `json:"samples"`
		SampleRate    float64 `json:"sample_rate"`
		StoredBytes   int64   `json:"stored_bytes"`
		PopulatedAt   string  `json:"populated_at"`
		ServeCount    int64   `json:"serve_count"`
	}
	out := make([]row, 0, len(entries))
	for _, e := range entries {
		out = append(out, row{
			CacheKey:      e.CacheKey,
			Source:        e.SourceID,
			HoursAgo:      e.HoursAgo,
			DurationHours: e.DurationHours,
			Samples:       e.Samples,
			SampleRate:    e.SampleRate,
			StoredBytes:   e.StoredBytes,
			PopulatedAt:   e.PopulatedAt.UTC().Format(time.RFC3339),
			ServeCount:    e.ServeCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

package server

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type statsCollector struct {
	deliveries     atomic.Uint64
	hits           atomic.Uint64
	deliveredBytes atomic.Uint64
	minBytes       atomic.Uint64
	maxBytes       atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int64, hit bool) {
	if n < 0 {
		n = 0
	}
	b := uint64(n)

	s.deliveries.Add(1)
	s.deliveredBytes.Add(b)
	if hit {
		s.hits.Add(1)
	}

	for {
		cur := s.minBytes.Load()
		if b >= cur || s.minBytes.CompareAndSwap(cur, b) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if b <= cur || s.maxBytes.CompareAndSwap(cur, b) {
			break
		}
	}
}

type statsSnapshot struct {
	Deliveries uint64
	Hits       uint64
	TotalBytes uint64
	MinBytes   uint64
	MaxBytes   uint64
	AvgBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.deliveries.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.deliveredBytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Deliveries: count,
		Hits:       s.hits.Load(),
		TotalBytes: total,
		MinBytes:   minv,
		MaxBytes:   s.maxBytes.Load(),
		AvgBytes:   total / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	args := []any{
		"deliveries", ss.Deliveries,
		"hits", ss.Hits,
		"sent", humanize.IBytes(ss.TotalBytes),
		"min", humanize.IBytes(ss.MinBytes),
		"avg", humanize.IBytes(ss.AvgBytes),
		"max", humanize.IBytes(ss.MaxBytes),
	}
	if s.store != nil {
		st := s.store.Stats()
		args = append(args,
			"store_puts", st.Puts,
			"store_gets", st.Gets,
			"store_failures", st.Failures,
			"store_in", humanize.IBytes(st.BytesIn),
			"store_out", humanize.IBytes(st.BytesOut))
	}
	if s.catalog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		entries, stored, err := s.catalog.Totals(ctx)
		cancel()
		if err == nil {
			args = append(args, "entries", entries, "stored", humanize.IBytes(uint64(stored)))
		}
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", humanize.IBytes(rss))
	}
	s.log.Info("stats", args...)

	if vals, ok := processSmapsRollupBytes(); ok {
		s.log.Debug("memory", "smaps", formatSmapsRollup(vals))
	}
}

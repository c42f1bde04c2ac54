package server

import (
	"context"
	"time"

	"volcaudio/internal/config"
	"volcaudio/internal/populate"
)

const warmTimeout = 2 * time.Minute

// warmupLoop populates the configured requests once at start, then again
// every interval. A zero interval warms once.
func (s *Service) warmupLoop(every time.Duration) {
	s.warmAll(s.cfg.Warm.Requests)
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.warmAll(s.cfg.Warm.Requests)
		}
	}
}

func (s *Service) warmAll(reqs []config.WarmRequest) {
	for _, wr := range reqs {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.warmOne(wr)
	}
}

func (s *Service) warmOne(wr config.WarmRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	req := populate.Request{SourceID: wr.Source, HoursAgo: wr.HoursAgo, DurationHours: wr.DurationHours}
	start := time.Now()
	res, err := s.pop.EnsureCached(ctx, req)
	if err != nil {
		s.log.Warn("warm-up failed", "request", req.String(), "err", err)
		return
	}
	s.log.Debug("warm-up done",
		"request", req.String(),
		"key", res.CacheKey,
		"hit", res.Hit,
		"took", time.Since(start).Round(time.Millisecond))
}

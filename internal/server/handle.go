package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/config"
	"volcaudio/internal/delivery"
	"volcaudio/internal/populate"
	"volcaudio/internal/stream"
	"volcaudio/internal/upstream"
)

const (
	hdrCacheKey      = "X-Cache-Key"
	hdrLayout        = "X-Layout"
	hdrCodec         = "X-Codec"
	hdrOriginalBytes = "X-Original-Bytes"
	hdrEncodedBytes  = "X-Encoded-Bytes"
	hdrEncodeMs      = "X-Encode-Ms"
	hdrFetchMs       = "X-Upstream-Fetch-Ms"
	hdrPreprocessMs  = "X-Preprocess-Ms"
	hdrCacheHit      = "X-Cache-Hit"
	hdrDataReadyMs   = "X-Data-Ready-Ms"
	hdrMetadata      = "X-Metadata"
	hdrSession       = "X-Stream-Session"
	hdrTTFBMs        = "X-Time-To-First-Byte-Ms"
	hdrTransferMs    = "X-Transfer-Ms"
)

var exposedHeaders = []string{
	hdrCacheKey, hdrLayout, hdrCodec, hdrOriginalBytes, hdrEncodedBytes,
	hdrEncodeMs, hdrFetchMs, hdrPreprocessMs, hdrCacheHit, hdrDataReadyMs,
	hdrMetadata, hdrSession, hdrTTFBMs, hdrTransferMs, "Content-Length",
}

func (s *Service) handleVariant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	session := stream.NewSession()

	req, err := s.parseRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	plan, err := s.ctrl.Resolve(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	h := w.Header()
	setDeliveryHeaders(h, plan)
	h.Set(hdrSession, session.ID)
	h.Set("Trailer", hdrTTFBMs+", "+hdrTransferMs)
	w.WriteHeader(http.StatusOK)

	st := s.ctrl.Stream(r.Context(), plan, session)
	n, err := st.WriteTo(w)

	h.Set(hdrTTFBMs, strconv.FormatInt(session.TimeToFirstByte().Milliseconds(), 10))
	h.Set(hdrTransferMs, strconv.FormatInt(session.Transfer().Milliseconds(), 10))

	if err != nil {
		// Headers are gone; the short body is the only signal left.
		s.log.Warn("delivery aborted",
			"session", session.ID,
			"key", plan.CacheKey,
			"sent", n,
			"want", plan.ContentLength,
			"err", err)
		return
	}
	s.stats.Observe(n, plan.Hit)
	s.ctrl.Served(r.Context(), plan, session)
}

func (s *Service) parseRequest(r *http.Request) (delivery.Request, error) {
	q := r.URL.Query()
	req := delivery.Request{
		Request: populate.Request{
			SourceID:      config.NormalizeSourceID(q.Get("source")),
			HoursAgo:      s.cfg.Defaults.HoursAgo,
			DurationHours: s.cfg.Defaults.DurationHours,
		},
		Codec:  q.Get("codec"),
		Layout: q.Get("layout"),
	}
	if req.SourceID == "" {
		req.SourceID = s.cfg.Defaults.Source
	}
	var err error
	if v := q.Get("hoursAgo"); v != "" {
		if req.HoursAgo, err = strconv.Atoi(v); err != nil {
			return req, cacheerr.Errorf(cacheerr.InvalidRequest, "server.parse", "hoursAgo: %q is not an integer", v)
		}
	}
	if v := q.Get("durationHours"); v != "" {
		if req.DurationHours, err = strconv.Atoi(v); err != nil {
			return req, cacheerr.Errorf(cacheerr.InvalidRequest, "server.parse", "durationHours: %q is not an integer", v)
		}
	}

	if src, ok := s.cfg.Sources[req.SourceID]; ok {
		if o := stationOverride(src.Selector(), q.Get("network"), q.Get("station"), q.Get("location"), q.Get("channel")); o != nil {
			req.Override = o
		}
	}
	return req, nil
}

// stationOverride returns nil when no override field is set.
func stationOverride(base upstream.Station, network, station, location, channel string) *upstream.Station {
	if network == "" && station == "" && location == "" && channel == "" {
		return nil
	}
	out := base
	if network != "" {
		out.Network = network
	}
	if station != "" {
		out.Station = station
	}
	if location != "" {
		out.Location = location
	}
	if channel != "" {
		out.Channel = channel
	}
	if out == base {
		return nil
	}
	return &out
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func statusFor(kind cacheerr.Kind) int {
	switch kind {
	case cacheerr.UnsupportedVariant, cacheerr.InvalidRequest:
		return http.StatusBadRequest
	case cacheerr.UnknownSource:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	kind := cacheerr.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		s.log.Error("delivery failed", "kind", kind.String(), "err", err)
	} else {
		s.log.Debug("request rejected", "kind", kind.String(), "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

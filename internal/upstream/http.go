package upstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"volcaudio/internal/cacheerr"
)

// HTTPSource reads merged samples from a sample service:
//
//	GET {base}/samples?network=&station=&location=&channel=&start=&end=
//
// The body is little-endian int32 samples and X-Sample-Rate carries the
// rate. 204, 404 and an empty body all mean no data for that location.
type HTTPSource struct {
	base      string
	client    *http.Client
	fallbacks []string
	log       *slog.Logger
}

type HTTPOptions struct {
	BaseURL string
	Timeout time.Duration
	// LocationFallbacks are tried in order after the station's own
	// location code.
	LocationFallbacks []string
	Logger            *slog.Logger
}

func NewHTTPSource(o HTTPOptions) *HTTPSource {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		base:      o.BaseURL,
		client:    &http.Client{Timeout: o.Timeout},
		fallbacks: append([]string(nil), o.LocationFallbacks...),
		log:       logger,
	}
}

var errNoData = errors.New("no samples")

func (h *HTTPSource) Fetch(ctx context.Context, st Station, start, end time.Time) (Waveform, error) {
	var lastErr error
	for _, loc := range locationsToTry(st.Location, h.fallbacks) {
		sel := st
		sel.Location = loc
		wf, err := h.fetchOne(ctx, sel, start, end)
		if err == nil {
			return wf, nil
		}
		if ctx.Err() != nil {
			return Waveform{}, cacheerr.New(cacheerr.NoUpstreamData, "upstream.fetch", ctx.Err())
		}
		h.log.Debug("upstream location failed", "station", sel.String(), "err", err)
		lastErr = err
	}
	return Waveform{}, cacheerr.New(cacheerr.NoUpstreamData, "upstream.fetch",
		fmt.Errorf("%s.%s.%s %s..%s: %w", st.Network, st.Station, st.Channel,
			start.Format(time.RFC3339), end.Format(time.RFC3339), lastErr))
}

func (h *HTTPSource) fetchOne(ctx context.Context, st Station, start, end time.Time) (Waveform, error) {
	q := url.Values{}
	q.Set("network", st.Network)
	q.Set("station", st.Station)
	q.Set("location", st.Location)
	q.Set("channel", st.Channel)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/samples?"+q.Encode(), nil)
	if err != nil {
		return Waveform{}, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := h.client.Do(req)
	if err != nil {
		return Waveform{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return Waveform{}, errNoData
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Waveform{}, fmt.Errorf("sample service status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Waveform{}, err
	}
	if len(body) == 0 {
		return Waveform{}, errNoData
	}
	if len(body)%4 != 0 {
		return Waveform{}, fmt.Errorf("body length %d is not a multiple of 4", len(body))
	}
	rate, err := strconv.ParseFloat(resp.Header.Get("X-Sample-Rate"), 64)
	if err != nil || rate <= 0 {
		return Waveform{}, fmt.Errorf("bad X-Sample-Rate %q", resp.Header.Get("X-Sample-Rate"))
	}

	samples := make([]int32, len(body)/4)
	for i := range samples {
		samples[i] = int32(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return Waveform{Samples: samples, SampleRate: rate}, nil
}

// locationsToTry puts the preferred code first and drops duplicates.
func locationsToTry(preferred string, fallbacks []string) []string {
	out := []string{preferred}
	seen := map[string]bool{preferred: true}
	for _, l := range fallbacks {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

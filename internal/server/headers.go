package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"volcaudio/internal/delivery"
)

// deliveryMetadata is the X-Metadata header payload.
type deliveryMetadata struct {
	Layout          string  `json:"layout"`
	Codec           string  `json:"codec"`
	FileSize        int64   `json:"file_size"`
	SampleRate      float64 `json:"sample_rate"`
	Samples         int     `json:"samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	Station         string  `json:"station,omitempty"`
	StartTime       string  `json:"start_time,omitempty"`
	EndTime         string  `json:"end_time,omitempty"`
}

func setDeliveryHeaders(h http.Header, plan *delivery.Plan) {
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(plan.ContentLength, 10))
	h.Set("Cache-Control", "no-store")

	h.Set(hdrCacheKey, plan.CacheKey)
	h.Set(hdrLayout, plan.Variant.Layout.String())
	h.Set(hdrCodec, plan.Variant.Codec.String())
	h.Set(hdrOriginalBytes, strconv.FormatInt(plan.OriginalBytes, 10))
	h.Set(hdrEncodedBytes, strconv.FormatInt(plan.EncodedBytes, 10))
	h.Set(hdrEncodeMs, formatMs(plan.EncodeMs))
	h.Set(hdrFetchMs, formatMs(plan.Profiles.FetchMs))
	h.Set(hdrPreprocessMs, formatMs(plan.Profiles.PreprocessMs))
	h.Set(hdrCacheHit, strconv.FormatBool(plan.Hit))
	h.Set(hdrDataReadyMs, strconv.FormatInt(plan.DataReady.Milliseconds(), 10))

	meta, err := json.Marshal(deliveryMetadata{
		Layout:          plan.Variant.Layout.String(),
		Codec:           plan.Variant.Codec.String(),
		FileSize:        plan.ContentLength,
		SampleRate:      plan.Metadata.SampleRate,
		Samples:         plan.Metadata.Samples,
		DurationSeconds: plan.Metadata.DurationSeconds,
		Station:         plan.Metadata.Station,
		StartTime:       plan.Metadata.StartTime,
		EndTime:         plan.Metadata.EndTime,
	})
	if err == nil {
		h.Set(hdrMetadata, string(meta))
	}

	for _, name := range exposedHeaders {
		ensureExposedHeader(h, name)
	}
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

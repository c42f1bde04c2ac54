package upstream

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"volcaudio/internal/cacheerr"
)

func int32Body(samples ...int32) []byte {
	b := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(s))
	}
	return b
}

func TestWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	start, end := Window(now, 12, 4)
	if !end.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %s", end)
	}
	if !start.Equal(time.Date(2025, 2, 28, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %s", start)
	}
}

func TestHTTPSourceFallsBackThroughLocations(t *testing.T) {
	var (
		mu    sync.Mutex
		tried []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/samples" {
			http.NotFound(w, r)
			return
		}
		loc := r.URL.Query().Get("location")
		mu.Lock()
		tried = append(tried, loc)
		mu.Unlock()
		switch loc {
		case "":
			w.WriteHeader(http.StatusNoContent)
		case "01":
			w.WriteHeader(http.StatusNotFound)
		case "00":
			w.Header().Set("X-Sample-Rate", "50")
			_, _ = w.Write(int32Body(-5, 0, 7, 1<<20))
		default:
			t.Errorf("unexpected location %q", loc)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		LocationFallbacks: []string{"", "01", "00", "10"},
	})
	start, end := Window(time.Now(), 1, 1)
	wf, err := src.Fetch(context.Background(), Station{Network: "HV", Station: "HLPD", Channel: "HHZ"}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if wf.SampleRate != 50 {
		t.Fatalf("rate = %v", wf.SampleRate)
	}
	want := []int32{-5, 0, 7, 1 << 20}
	if len(wf.Samples) != len(want) {
		t.Fatalf("samples = %v", wf.Samples)
	}
	for i := range want {
		if wf.Samples[i] != want[i] {
			t.Fatalf("samples = %v", wf.Samples)
		}
	}
	if len(tried) != 3 || tried[0] != "" || tried[1] != "01" || tried[2] != "00" {
		t.Fatalf("tried = %q", tried)
	}
}

func TestHTTPSourceNoData(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"no content", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Sample-Rate", "100")
			w.WriteHeader(http.StatusOK)
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"torn body", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Sample-Rate", "100")
			_, _ = w.Write([]byte{1, 2, 3})
		}},
		{"missing rate", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(int32Body(1)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second, LocationFallbacks: []string{"--"}})
			start, end := Window(time.Now(), 0, 1)
			_, err := src.Fetch(context.Background(), Station{Network: "AV", Station: "SPCN", Channel: "BHZ"}, start, end)
			if !cacheerr.Is(err, cacheerr.NoUpstreamData) {
				t.Fatalf("expected NoUpstreamData, got %v", err)
			}
		})
	}
}

func TestLocationsToTryDedupes(t *testing.T) {
	got := locationsToTry("01", []string{"", "01", "00", ""})
	want := []string{"01", "", "00"}
	if len(got) != len(want) {
		t.Fatalf("got %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestSweep(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wf, err := Sweep{Rate: 10}.Fetch(context.Background(), Station{}, start, start.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.Samples) != 600 {
		t.Fatalf("len = %d", len(wf.Samples))
	}
	if wf.Samples[0] != -32768 || wf.Samples[599] != 32767 {
		t.Fatalf("endpoints = %d, %d", wf.Samples[0], wf.Samples[599])
	}
	for i := 1; i < len(wf.Samples); i++ {
		if wf.Samples[i] < wf.Samples[i-1] {
			t.Fatalf("sweep not monotonic at %d", i)
		}
	}
	if wf.Duration() != time.Minute {
		t.Fatalf("duration = %s", wf.Duration())
	}

	if _, err := (Sweep{Rate: 10}).Fetch(context.Background(), Station{}, start, start); !cacheerr.Is(err, cacheerr.NoUpstreamData) {
		t.Fatalf("empty window: %v", err)
	}
}

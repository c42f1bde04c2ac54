package populate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/cachekey"
	"volcaudio/internal/catalog"
	"volcaudio/internal/objstore"
	"volcaudio/internal/upstream"
	"volcaudio/internal/variant"
)

type countingSource struct {
	calls   atomic.Int32
	last    upstream.Station
	mu      sync.Mutex
	samples []int32
	err     error
}

func (c *countingSource) Fetch(_ context.Context, st upstream.Station, start, end time.Time) (upstream.Waveform, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.last = st
	c.mu.Unlock()
	if c.err != nil {
		return upstream.Waveform{}, c.err
	}
	return upstream.Waveform{Samples: c.samples, SampleRate: 100}, nil
}

// recordingStore logs put order and can fail puts by key substring.
type recordingStore struct {
	*objstore.Gateway
	mu     sync.Mutex
	puts   []string
	failOn string
}

func (r *recordingStore) Put(ctx context.Context, key string, data []byte) error {
	if r.failOn != "" && strings.Contains(key, r.failOn) {
		return cacheerr.New(cacheerr.StorageUnavailable, "test.put", errors.New("bucket throttled"))
	}
	r.mu.Lock()
	r.puts = append(r.puts, key)
	r.mu.Unlock()
	return r.Gateway.Put(ctx, key, data)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []catalog.Entry
}

func (m *memRecorder) RecordPopulated(_ context.Context, e catalog.Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

var testSources = map[string]upstream.Station{
	"kilauea": {Network: "HV", Station: "HLPD", Channel: "HHZ"},
}

func newFixture(t *testing.T, src upstream.Source, archive bool) (*Populator, *recordingStore) {
	t.Helper()
	enc, err := variant.NewEncoder(variant.Options{ChunkSamples: 1000, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	store := &recordingStore{Gateway: objstore.NewGateway(objstore.NewMemory(), 100, nil)}
	p := New(Options{
		Sources:    testSources,
		Upstream:   src,
		Store:      store,
		Encoder:    enc,
		ArchiveRaw: archive,
		Now:        func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	return p, store
}

func ramp(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i*7 - n)
	}
	return out
}

func TestEnsureCachedIsIdempotent(t *testing.T) {
	src := &countingSource{samples: ramp(2500)}
	p, _ := newFixture(t, src, false)
	ctx := context.Background()
	req := Request{SourceID: "kilauea", HoursAgo: 12, DurationHours: 4}

	first, err := p.EnsureCached(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Hit {
		t.Fatalf("first call reported a hit")
	}
	if first.CacheKey != cachekey.Derive("kilauea", 12, 4) {
		t.Fatalf("key = %s", first.CacheKey)
	}

	second, err := p.EnsureCached(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Hit {
		t.Fatalf("second call missed")
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("upstream fetches = %d, want 1", n)
	}
	if second.Metadata.Samples != 2500 || second.Metadata.SampleRate != 100 {
		t.Fatalf("metadata on hit = %+v", second.Metadata)
	}
	if second.Metadata.StartTime != "2025-05-31T20:00:00Z" || second.Metadata.EndTime != "2025-06-01T00:00:00Z" {
		t.Fatalf("window = %s..%s", second.Metadata.StartTime, second.Metadata.EndTime)
	}
	if len(second.Profiles.Variants) != 6 {
		t.Fatalf("profiles on hit = %+v", second.Profiles)
	}
	vp, ok := second.Profiles.Variant(variant.Variant{Codec: variant.Int16, Layout: variant.Single})
	if !ok || vp.OriginalBytes != 5000 || vp.CompressedBytes != 5000 {
		t.Fatalf("int16 profile = %+v", vp)
	}
}

func TestSentinelPublishedLast(t *testing.T) {
	src := &countingSource{samples: ramp(2500)}
	p, store := newFixture(t, src, false)
	res, err := p.EnsureCached(context.Background(), Request{SourceID: "kilauea", HoursAgo: 1, DurationHours: 1})
	if err != nil {
		t.Fatal(err)
	}
	puts := store.puts
	n := len(puts)
	if n < 4 {
		t.Fatalf("puts = %v", puts)
	}
	if puts[n-1] != variant.SentinelKey(res.CacheKey) {
		t.Fatalf("last put = %s, want sentinel", puts[n-1])
	}
	if puts[n-3] != MetadataKey(res.CacheKey) || puts[n-2] != ProfilesKey(res.CacheKey) {
		t.Fatalf("side-objects not just before sentinel: %v", puts[n-3:])
	}
	// chunked descriptors follow their chunks
	for _, codec := range []variant.Codec{variant.Int16, variant.Gzip, variant.Blosc} {
		prefix := variant.ChunkPrefix(codec, res.CacheKey)
		lastChunk, firstDesc := -1, -1
		for i, k := range puts {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if strings.HasPrefix(k[len(prefix):], ".") {
				if firstDesc < 0 {
					firstDesc = i
				}
			} else {
				lastChunk = i
			}
		}
		if lastChunk < 0 || firstDesc < lastChunk {
			t.Fatalf("%s: descriptors written before chunks", prefix)
		}
	}

	for _, v := range variant.All() {
		got, err := variant.Decode(context.Background(), store, res.CacheKey, v)
		if err != nil {
			t.Fatalf("%v: %v", v, err)
		}
		if len(got) != 2500 {
			t.Fatalf("%v: %d samples", v, len(got))
		}
	}
}

func TestPartialEncodeFailureLeavesEntryUnpublished(t *testing.T) {
	src := &countingSource{samples: ramp(2500)}
	p, store := newFixture(t, src, false)
	store.failOn = "cache/gzip/single/"
	ctx := context.Background()
	req := Request{SourceID: "kilauea", HoursAgo: 2, DurationHours: 1}

	_, err := p.EnsureCached(ctx, req)
	if !cacheerr.Is(err, cacheerr.PartialEncodeFailure) {
		t.Fatalf("expected PartialEncodeFailure, got %v", err)
	}
	key := cachekey.Derive("kilauea", 2, 1)
	if _, err := store.Head(ctx, variant.SentinelKey(key)); !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("sentinel must not exist after failure: %v", err)
	}

	// A retry repopulates once the store recovers.
	store.failOn = ""
	res, err := p.EnsureCached(ctx, req)
	if err != nil || res.Hit {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("fetches = %d", src.calls.Load())
	}
}

func TestEnsureCachedRejects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		err  error
		kind cacheerr.Kind
	}{
		{"unknown source", Request{SourceID: "etna", DurationHours: 1}, nil, cacheerr.UnknownSource},
		{"bad window", Request{SourceID: "kilauea", HoursAgo: -1, DurationHours: 1}, nil, cacheerr.InvalidRequest},
		{"no data", Request{SourceID: "kilauea", DurationHours: 1}, cacheerr.New(cacheerr.NoUpstreamData, "test", nil), cacheerr.NoUpstreamData},
		{"upstream crash", Request{SourceID: "kilauea", DurationHours: 1}, errors.New("boom"), cacheerr.NoUpstreamData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &countingSource{samples: ramp(10), err: tt.err}
			p, store := newFixture(t, src, false)
			_, err := p.EnsureCached(context.Background(), tt.req)
			if !cacheerr.Is(err, tt.kind) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
			if len(store.puts) != 0 {
				t.Fatalf("rejected request wrote %v", store.puts)
			}
			if tt.err == nil && src.calls.Load() != 0 {
				t.Fatalf("rejected request reached upstream")
			}
		})
	}
}

func TestHitToleratesMissingSideObjects(t *testing.T) {
	src := &countingSource{samples: ramp(10)}
	p, store := newFixture(t, src, false)
	ctx := context.Background()
	key := cachekey.Derive("kilauea", 3, 1)
	if err := store.Put(ctx, variant.SentinelKey(key), []byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	res, err := p.EnsureCached(ctx, Request{SourceID: "kilauea", HoursAgo: 3, DurationHours: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Hit || res.Metadata != (Metadata{}) || len(res.Profiles.Variants) != 0 || res.Profiles.Variants == nil {
		t.Fatalf("result = %+v", res)
	}
	if src.calls.Load() != 0 {
		t.Fatalf("hit fetched upstream")
	}
}

func TestOverrideSharesKeyAndReachesUpstream(t *testing.T) {
	src := &countingSource{samples: ramp(50)}
	p, _ := newFixture(t, src, false)
	override := upstream.Station{Network: "HV", Station: "UWE", Channel: "HHZ"}
	res, err := p.EnsureCached(context.Background(), Request{SourceID: "kilauea", HoursAgo: 5, DurationHours: 1, Override: &override})
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheKey != cachekey.Derive("kilauea", 5, 1) {
		t.Fatalf("override changed the key")
	}
	if src.last != override {
		t.Fatalf("fetched %+v, want override", src.last)
	}
}

func TestArchiveFailureIsBestEffort(t *testing.T) {
	src := &countingSource{samples: ramp(50)}
	p, store := newFixture(t, src, true)
	store.failOn = "archive/"
	rec := &memRecorder{}
	p.catalog = rec
	res, err := p.EnsureCached(context.Background(), Request{SourceID: "kilauea", HoursAgo: 6, DurationHours: 1})
	if err != nil {
		t.Fatalf("archive failure aborted populate: %v", err)
	}
	if len(rec.entries) != 1 || rec.entries[0].CacheKey != res.CacheKey || rec.entries[0].Samples != 50 {
		t.Fatalf("catalog entries = %+v", rec.entries)
	}

	store.failOn = ""
	src2 := &countingSource{samples: ramp(50)}
	p2, store2 := newFixture(t, src2, true)
	res2, err := p2.EnsureCached(context.Background(), Request{SourceID: "kilauea", HoursAgo: 6, DurationHours: 1})
	if err != nil {
		t.Fatal(err)
	}
	n, err := store2.Head(context.Background(), ArchiveKey(res2.CacheKey))
	if err != nil || n != 200 {
		t.Fatalf("archive object = %d, %v", n, err)
	}
}

func TestConcurrentMissesConverge(t *testing.T) {
	src := &countingSource{samples: ramp(2500)}
	p, store := newFixture(t, src, false)
	ctx := context.Background()
	req := Request{SourceID: "kilauea", HoursAgo: 0, DurationHours: 1}

	const workers = 8
	var (
		wg   sync.WaitGroup
		keys = make([]string, workers)
		errs = make([]error, workers)
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.EnsureCached(ctx, req)
			keys[i], errs[i] = res.CacheKey, err
		}()
	}
	wg.Wait()

	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if keys[i] != keys[0] {
			t.Fatalf("worker %d resolved key %s, want %s", i, keys[i], keys[0])
		}
	}
	if n := src.calls.Load(); n < 1 || n > workers {
		t.Fatalf("upstream fetches = %d", n)
	}

	want, err := variant.Decode(ctx, store, keys[0], variant.Sentinel)
	if err != nil {
		t.Fatal(err)
	}
	if len(want) != 2500 {
		t.Fatalf("sentinel decodes to %d samples", len(want))
	}
	for _, v := range variant.All() {
		got, err := variant.Decode(ctx, store, keys[0], v)
		if err != nil {
			t.Fatalf("%v: %v", v, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%v: %d samples, sentinel has %d", v, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%v: sample %d = %d, sentinel has %d", v, i, got[i], want[i])
			}
		}
	}

	res, err := p.EnsureCached(ctx, req)
	if err != nil || !res.Hit {
		t.Fatalf("entry not published after concurrent misses: hit=%v err=%v", res.Hit, err)
	}
}

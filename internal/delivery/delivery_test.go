package delivery

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/objstore"
	"volcaudio/internal/populate"
	"volcaudio/internal/stream"
	"volcaudio/internal/upstream"
	"volcaudio/internal/variant"
)

type countingSweep struct {
	upstream.Sweep
	calls atomic.Int32
}

func (c *countingSweep) Fetch(ctx context.Context, st upstream.Station, start, end time.Time) (upstream.Waveform, error) {
	c.calls.Add(1)
	return c.Sweep.Fetch(ctx, st, start, end)
}

type fixture struct {
	ctrl  *Controller
	store *objstore.Gateway
	src   *countingSweep
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	enc, err := variant.NewEncoder(variant.Options{ChunkSamples: 4096, Workers: 3})
	if err != nil {
		t.Fatal(err)
	}
	store := objstore.NewGateway(objstore.NewMemory(), 3, nil)
	// 5 Hz for one hour is 18000 samples: five 4096-sample chunks.
	src := &countingSweep{Sweep: upstream.Sweep{Rate: 5}}
	pop := populate.New(populate.Options{
		Sources:  map[string]upstream.Station{"kilauea": {Network: "HV", Station: "HLPD", Channel: "HHZ"}},
		Upstream: src,
		Store:    store,
		Encoder:  enc,
	})
	return fixture{
		ctrl:  New(Options{Populator: pop, Store: store}),
		store: store,
		src:   src,
	}
}

func TestContentLengthMatchesStreamedBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range variant.All() {
		t.Run(v.String(), func(t *testing.T) {
			plan, err := f.ctrl.Resolve(ctx, Request{
				Request: populate.Request{SourceID: "kilauea", HoursAgo: 1, DurationHours: 1},
				Codec:   v.Codec.String(),
				Layout:  v.Layout.String(),
			})
			if err != nil {
				t.Fatal(err)
			}
			if plan.Variant != v {
				t.Fatalf("variant = %v", plan.Variant)
			}
			var buf bytes.Buffer
			st := f.ctrl.Stream(ctx, plan, stream.NewSession())
			n, err := st.WriteTo(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if n != plan.ContentLength || int64(buf.Len()) != plan.ContentLength {
				t.Fatalf("content length %d, streamed %d", plan.ContentLength, n)
			}
			if v.Layout == variant.Chunked && len(plan.Keys) != 5 {
				t.Fatalf("chunk keys = %v", plan.Keys)
			}
			if plan.EncodedBytes != plan.ContentLength || plan.OriginalBytes == 0 {
				t.Fatalf("plan sizes = %+v", plan)
			}
		})
	}
	if f.src.calls.Load() != 1 {
		t.Fatalf("upstream fetches = %d, want 1", f.src.calls.Load())
	}
}

func TestChunkedStreamDecodesToSingle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := populate.Request{SourceID: "kilauea", HoursAgo: 2, DurationHours: 1}

	single, err := f.ctrl.Resolve(ctx, Request{Request: base, Codec: "none", Layout: "single"})
	if err != nil {
		t.Fatal(err)
	}
	chunked, err := f.ctrl.Resolve(ctx, Request{Request: base, Codec: "int16", Layout: "chunked"})
	if err != nil {
		t.Fatal(err)
	}
	var a, b bytes.Buffer
	if _, err := f.ctrl.Stream(ctx, single, nil).WriteTo(&a); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.Stream(ctx, chunked, nil).WriteTo(&b); err != nil {
		t.Fatal(err)
	}
	// The chunked edge chunk is padded; the prefix must match exactly.
	if b.Len() < a.Len() || !bytes.Equal(a.Bytes(), b.Bytes()[:a.Len()]) {
		t.Fatalf("chunked int16 stream does not start with the single-object samples")
	}
}

func TestResolveRejectsBeforeIO(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		kind cacheerr.Kind
	}{
		{"bad codec", Request{Request: populate.Request{SourceID: "kilauea", DurationHours: 1}, Codec: "flac"}, cacheerr.UnsupportedVariant},
		{"bad layout", Request{Request: populate.Request{SourceID: "kilauea", DurationHours: 1}, Layout: "tiles"}, cacheerr.UnsupportedVariant},
		{"unknown source", Request{Request: populate.Request{SourceID: "etna", DurationHours: 1}}, cacheerr.UnknownSource},
		{"bad window", Request{Request: populate.Request{SourceID: "kilauea", DurationHours: 0}}, cacheerr.InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.ctrl.Resolve(context.Background(), tt.req)
			if !cacheerr.Is(err, tt.kind) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
			st := f.store.Stats()
			if st.Heads+st.Gets+st.Puts+st.Lists != 0 || f.src.calls.Load() != 0 {
				t.Fatalf("rejected request performed I/O: %+v, fetches %d", st, f.src.calls.Load())
			}
		})
	}
}

func TestResolveReportsMissingVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := populate.Request{SourceID: "kilauea", HoursAgo: 3, DurationHours: 1}
	key, err := f.ctrl.pop.Key(req)
	if err != nil {
		t.Fatal(err)
	}
	// Only the sentinel exists: the entry looks populated but gzip is absent.
	if err := f.store.Put(ctx, variant.SentinelKey(key), []byte{1, 0}); err != nil {
		t.Fatal(err)
	}
	_, err = f.ctrl.Resolve(ctx, Request{Request: req})
	if !cacheerr.Is(err, cacheerr.StorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
	_, err = f.ctrl.Resolve(ctx, Request{Request: req, Codec: "blosc", Layout: "chunked"})
	if !cacheerr.Is(err, cacheerr.StorageUnavailable) {
		t.Fatalf("expected StorageUnavailable for chunked, got %v", err)
	}

	plan, err := f.ctrl.Resolve(ctx, Request{Request: req, Codec: "int16"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.ContentLength != 2 || !plan.Hit {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestChunkedPlanFollowsDescriptor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Request: populate.Request{SourceID: "kilauea", HoursAgo: 4, DurationHours: 1}, Codec: "gzip", Layout: "chunked"}

	before, err := f.ctrl.Resolve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	// A racing writer with a longer window left chunks past the shape.
	prefix := variant.ChunkPrefix(variant.Gzip, before.CacheKey)
	for _, name := range []string{"5", "6"} {
		if err := f.store.Put(ctx, prefix+name, []byte("stale chunk")); err != nil {
			t.Fatal(err)
		}
	}

	after, err := f.ctrl.Resolve(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Keys) != 5 || after.ContentLength != before.ContentLength {
		t.Fatalf("keys = %v, length %d, want 5 keys and %d", after.Keys, after.ContentLength, before.ContentLength)
	}
	if after.Keys[4] != prefix+"4" {
		t.Fatalf("last key = %s", after.Keys[4])
	}
}

func TestInvalidScheduleFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		sched stream.Schedule
		want  stream.Schedule
	}{
		{"zero", stream.Schedule{}, stream.DefaultSchedule},
		{"negative step", stream.Schedule{Steps: []int{8, -1}, Steady: 64}, stream.DefaultSchedule},
		{"no steady", stream.Schedule{Steps: []int{8}}, stream.DefaultSchedule},
		{"valid", stream.Schedule{Steps: []int{8}, Steady: 64}, stream.Schedule{Steps: []int{8}, Steady: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{Schedule: tt.sched})
			if fmt.Sprint(c.sched) != fmt.Sprint(tt.want) {
				t.Fatalf("schedule = %v, want %v", c.sched, tt.want)
			}
		})
	}
}

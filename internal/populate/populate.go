// Package populate makes sure a waveform request is present in the object
// store, fetching and encoding it on a miss.
package populate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/cachekey"
	"volcaudio/internal/catalog"
	"volcaudio/internal/objstore"
	"volcaudio/internal/upstream"
	"volcaudio/internal/variant"
)

// Request is a logical waveform request.
type Request struct {
	SourceID      string
	HoursAgo      int
	DurationHours int
	// Override replaces the configured station for the fetch. It is not
	// part of the cache key.
	Override *upstream.Station
}

// Metadata describes the stored waveform.
type Metadata struct {
	CacheKey        string  `json:"cache_key,omitempty"`
	Source          string  `json:"source,omitempty"`
	Station         string  `json:"station,omitempty"`
	HoursAgo        int     `json:"hours_ago"`
	DurationHours   int     `json:"duration_hours"`
	StartTime       string  `json:"start_time,omitempty"`
	EndTime         string  `json:"end_time,omitempty"`
	SampleRate      float64 `json:"sample_rate"`
	Samples         int     `json:"samples"`
	DurationSeconds float64 `json:"duration_seconds"`
	CreatedAt       string  `json:"created_at,omitempty"`
}

type VariantProfile struct {
	CompressMs      float64 `json:"compress_ms"`
	OriginalBytes   int64   `json:"original_bytes"`
	CompressedBytes int64   `json:"compressed_bytes"`
	Chunks          int     `json:"chunks,omitempty"`
}

// Profiles holds timings recorded while the entry was built.
type Profiles struct {
	FetchMs      float64                   `json:"fetch_ms"`
	PreprocessMs float64                   `json:"preprocess_ms"`
	Variants     map[string]VariantProfile `json:"variants"`
}

// Variant returns the profile for v, if recorded.
func (p Profiles) Variant(v variant.Variant) (VariantProfile, bool) {
	vp, ok := p.Variants[v.String()]
	return vp, ok
}

type Result struct {
	CacheKey string
	Hit      bool
	Metadata Metadata
	Profiles Profiles
}

// Recorder receives a row for every entry this process populates.
type Recorder interface {
	RecordPopulated(ctx context.Context, e catalog.Entry) error
}

// MetadataKey is the waveform descriptor side-object.
func MetadataKey(cacheKey string) string { return "cache/metadata/" + cacheKey + ".json" }

// ProfilesKey is the profiling side-object.
func ProfilesKey(cacheKey string) string { return "cache/metadata/" + cacheKey + "_profiles.json" }

// ArchiveKey holds the raw int32 input when archiving is enabled.
func ArchiveKey(cacheKey string) string { return "archive/raw/" + cacheKey + ".i32" }

type Options struct {
	Sources    map[string]upstream.Station
	Upstream   upstream.Source
	Store      objstore.Store
	Encoder    *variant.Encoder
	ArchiveRaw bool
	// UploadWorkers bounds concurrent object puts.
	UploadWorkers int
	Catalog       Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

type Populator struct {
	sources  map[string]upstream.Station
	src      upstream.Source
	store    objstore.Store
	enc      *variant.Encoder
	archive  bool
	uploads  int
	catalog  Recorder
	log      *slog.Logger
	now      func() time.Time
	warnRate *rate.Sometimes
}

func New(o Options) *Populator {
	p := &Populator{
		sources:  o.Sources,
		src:      o.Upstream,
		store:    o.Store,
		enc:      o.Encoder,
		archive:  o.ArchiveRaw,
		uploads:  o.UploadWorkers,
		catalog:  o.Catalog,
		log:      o.Logger,
		now:      o.Now,
		warnRate: &rate.Sometimes{Interval: time.Minute},
	}
	if p.uploads <= 0 {
		p.uploads = 4
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Key validates req and returns its cache key without touching the store.
func (p *Populator) Key(req Request) (string, error) {
	if _, ok := p.sources[req.SourceID]; !ok {
		return "", cacheerr.Errorf(cacheerr.UnknownSource, "populate", "unknown source %q", req.SourceID)
	}
	if req.HoursAgo < 0 || req.DurationHours < 1 {
		return "", cacheerr.Errorf(cacheerr.InvalidRequest, "populate",
			"hoursAgo must be >= 0 and durationHours >= 1 (got %d, %d)", req.HoursAgo, req.DurationHours)
	}
	return cachekey.Derive(req.SourceID, req.HoursAgo, req.DurationHours), nil
}

// EnsureCached returns the entry for req, building it on a miss.
//
// Presence of the sentinel object means the entry is complete; the other
// variants are not re-checked. Population writes every other object first
// and the sentinel last. Concurrent misses for one key both populate; each
// write is a whole-object overwrite, so the result converges.
func (p *Populator) EnsureCached(ctx context.Context, req Request) (Result, error) {
	key, err := p.Key(req)
	if err != nil {
		return Result{}, err
	}

	_, err = p.store.Head(ctx, variant.SentinelKey(key))
	switch {
	case err == nil:
		res := Result{CacheKey: key, Hit: true}
		res.Metadata, res.Profiles = p.loadSides(ctx, key)
		return res, nil
	case errors.Is(err, objstore.ErrNotFound):
	default:
		return Result{}, storageErr("populate.probe", err)
	}

	return p.populate(ctx, key, req)
}

func (p *Populator) populate(ctx context.Context, key string, req Request) (Result, error) {
	st := p.sources[req.SourceID]
	if req.Override != nil {
		st = *req.Override
		p.log.Warn("station override does not change the cache key; entries may mix stations",
			"source", req.SourceID, "station", st.String(), "key", key)
	}
	start, end := upstream.Window(p.now(), req.HoursAgo, req.DurationHours)

	fetchStart := time.Now()
	wf, err := p.src.Fetch(ctx, st, start, end)
	if err != nil {
		if cacheerr.KindOf(err) == cacheerr.KindUnknown {
			err = cacheerr.New(cacheerr.NoUpstreamData, "populate.fetch", err)
		}
		return Result{}, err
	}
	fetchDur := time.Since(fetchStart)
	if len(wf.Samples) == 0 {
		return Result{}, cacheerr.Errorf(cacheerr.NoUpstreamData, "populate.fetch", "%s returned no samples", st)
	}

	if p.archive {
		p.archiveRaw(ctx, key, wf.Samples)
	}

	prepStart := time.Now()
	samples := variant.Normalize(wf.Samples)
	prepDur := time.Since(prepStart)

	blobs, err := p.enc.EncodeAll(ctx, key, samples, wf.SampleRate)
	if err != nil {
		return Result{}, cacheerr.New(cacheerr.PartialEncodeFailure, "populate.encode", err)
	}

	meta := Metadata{
		CacheKey:        key,
		Source:          req.SourceID,
		Station:         st.String(),
		HoursAgo:        req.HoursAgo,
		DurationHours:   req.DurationHours,
		StartTime:       start.Format(time.RFC3339),
		EndTime:         end.Format(time.RFC3339),
		SampleRate:      wf.SampleRate,
		Samples:         len(samples),
		DurationSeconds: wf.Duration().Seconds(),
		CreatedAt:       p.now().UTC().Format(time.RFC3339),
	}
	profiles := Profiles{
		FetchMs:      ms(fetchDur),
		PreprocessMs: ms(prepDur),
		Variants:     make(map[string]VariantProfile, len(blobs)),
	}
	var (
		sentinel *variant.Blob
		rest     []variant.Blob
		stored   int64
	)
	for i := range blobs {
		b := blobs[i]
		profiles.Variants[b.Variant.String()] = VariantProfile{
			CompressMs:      ms(b.EncodeDuration),
			OriginalBytes:   b.OriginalBytes,
			CompressedBytes: b.EncodedBytes,
			Chunks:          b.Chunks,
		}
		for _, o := range b.Objects {
			stored += int64(len(o.Data))
		}
		if b.Variant == variant.Sentinel {
			sentinel = &blobs[i]
			continue
		}
		rest = append(rest, b)
	}
	if sentinel == nil {
		return Result{}, cacheerr.Errorf(cacheerr.PartialEncodeFailure, "populate.encode", "encoder produced no %s variant", variant.Sentinel)
	}

	if err := p.publish(ctx, key, rest, meta, profiles, *sentinel); err != nil {
		return Result{}, err
	}

	p.log.Info("entry populated",
		"key", key,
		"source", req.SourceID,
		"samples", len(samples),
		"stored", humanize.IBytes(uint64(stored)),
		"fetch_ms", profiles.FetchMs,
		"preprocess_ms", profiles.PreprocessMs)

	if p.catalog != nil {
		err := p.catalog.RecordPopulated(ctx, catalog.Entry{
			CacheKey:      key,
			SourceID:      req.SourceID,
			HoursAgo:      req.HoursAgo,
			DurationHours: req.DurationHours,
			Samples:       len(samples),
			SampleRate:    wf.SampleRate,
			StoredBytes:   stored,
			PopulatedAt:   p.now(),
		})
		if err != nil {
			p.log.Warn("catalog record failed", "key", key, "err", err)
		}
	}
	return Result{CacheKey: key, Metadata: meta, Profiles: profiles}, nil
}

// publish uploads the five non-sentinel variants, then both side-objects,
// then the sentinel. Chunked descriptors go up after all chunk data.
func (p *Populator) publish(ctx context.Context, key string, rest []variant.Blob, meta Metadata, profiles Profiles, sentinel variant.Blob) error {
	var data, descriptors []variant.Object
	for _, b := range rest {
		for _, o := range b.Objects {
			if variant.ReservedNames[path.Base(o.Key)] {
				descriptors = append(descriptors, o)
			} else {
				data = append(data, o)
			}
		}
	}
	for _, batch := range [][]variant.Object{data, descriptors} {
		if err := p.putAll(ctx, batch); err != nil {
			return cacheerr.New(cacheerr.PartialEncodeFailure, "populate.upload", err)
		}
	}

	mb, err := json.Marshal(meta)
	if err != nil {
		return cacheerr.New(cacheerr.PartialEncodeFailure, "populate.metadata", err)
	}
	pb, err := json.Marshal(profiles)
	if err != nil {
		return cacheerr.New(cacheerr.PartialEncodeFailure, "populate.profiles", err)
	}
	if err := p.store.Put(ctx, MetadataKey(key), mb); err != nil {
		return cacheerr.New(cacheerr.PartialEncodeFailure, "populate.metadata", err)
	}
	if err := p.store.Put(ctx, ProfilesKey(key), pb); err != nil {
		return cacheerr.New(cacheerr.PartialEncodeFailure, "populate.profiles", err)
	}

	for _, o := range sentinel.Objects {
		if err := p.store.Put(ctx, o.Key, o.Data); err != nil {
			return cacheerr.New(cacheerr.PartialEncodeFailure, "populate.sentinel", err)
		}
	}
	return nil
}

func (p *Populator) putAll(ctx context.Context, objs []variant.Object) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.uploads)
	for _, o := range objs {
		g.Go(func() error { return p.store.Put(gctx, o.Key, o.Data) })
	}
	return g.Wait()
}

// loadSides reads both side-objects, substituting empty values for any
// that are missing or unreadable.
func (p *Populator) loadSides(ctx context.Context, key string) (Metadata, Profiles) {
	var (
		meta     Metadata
		profiles Profiles
	)
	if err := p.loadJSON(ctx, MetadataKey(key), &meta); err != nil {
		meta = Metadata{}
	}
	if err := p.loadJSON(ctx, ProfilesKey(key), &profiles); err != nil {
		profiles = Profiles{}
	}
	if profiles.Variants == nil {
		profiles.Variants = map[string]VariantProfile{}
	}
	return meta, profiles
}

func (p *Populator) loadJSON(ctx context.Context, key string, v any) error {
	b, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			p.log.Warn("side-object read failed", "key", key, "err", err)
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		p.log.Warn("side-object is not valid JSON", "key", key, "err", err)
		return err
	}
	return nil
}

func (p *Populator) archiveRaw(ctx context.Context, key string, samples []int32) {
	if err := p.store.Put(ctx, ArchiveKey(key), variant.Int32Bytes(samples)); err != nil {
		p.warnRate.Do(func() {
			p.log.Warn("raw archive write failed", "key", key, "err", err)
		})
	}
}

func storageErr(op string, err error) error {
	if cacheerr.KindOf(err) != cacheerr.KindUnknown {
		return err
	}
	return cacheerr.New(cacheerr.StorageUnavailable, op, err)
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (r Request) String() string {
	return fmt.Sprintf("%s/%dh-ago/%dh", r.SourceID, r.HoursAgo, r.DurationHours)
}

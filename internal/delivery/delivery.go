// Package delivery resolves a variant request end to end and hands back a
// stream whose total length is known before the first byte is written.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/objstore"
	"volcaudio/internal/populate"
	"volcaudio/internal/stream"
	"volcaudio/internal/variant"
)

type Request struct {
	populate.Request
	Codec  string
	Layout string
}

// Plan is a resolved delivery. Every failure surfaces while building it,
// before anything is written to the client.
type Plan struct {
	populate.Result
	Variant variant.Variant
	// Keys are the objects to stream, in order.
	Keys          []string
	ContentLength int64
	OriginalBytes int64
	EncodedBytes  int64
	EncodeMs      float64
	// DataReady is the time spent resolving, including any population.
	DataReady time.Duration
}

// ServeRecorder is told about every completed delivery.
type ServeRecorder interface {
	RecordServe(ctx context.Context, cacheKey string, bytes int64) error
}

type Options struct {
	Populator *populate.Populator
	Store     objstore.Store
	Schedule  stream.Schedule
	Catalog   ServeRecorder
	Logger    *slog.Logger
}

type Controller struct {
	pop     *populate.Populator
	store   objstore.Store
	sched   stream.Schedule
	catalog ServeRecorder
	log     *slog.Logger
}

func New(o Options) *Controller {
	c := &Controller{
		pop:     o.Populator,
		store:   o.Store,
		sched:   o.Schedule,
		catalog: o.Catalog,
		log:     o.Logger,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.sched.Steady == 0 && len(c.sched.Steps) == 0 {
		c.sched = stream.DefaultSchedule
	} else if err := c.sched.Validate(); err != nil {
		c.log.Warn("invalid stream schedule, using default", "err", err)
		c.sched = stream.DefaultSchedule
	}
	return c
}

// Resolve validates the request, ensures the entry exists and measures the
// chosen variant. Variant and source errors are reported before any I/O.
func (c *Controller) Resolve(ctx context.Context, req Request) (*Plan, error) {
	start := time.Now()
	v, err := variant.Parse(req.Codec, req.Layout)
	if err != nil {
		return nil, err
	}
	if _, err := c.pop.Key(req.Request); err != nil {
		return nil, err
	}

	res, err := c.pop.EnsureCached(ctx, req.Request)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Result: res, Variant: v}
	if v.Layout == variant.Chunked {
		chunks, err := c.chunks(ctx, v, res.CacheKey)
		if err != nil {
			return nil, err
		}
		for _, o := range chunks {
			plan.Keys = append(plan.Keys, o.Key)
			plan.ContentLength += o.Size
		}
	} else {
		key := variant.SingleKey(v.Codec, res.CacheKey)
		n, err := c.store.Head(ctx, key)
		if err != nil {
			return nil, storageErr("delivery.head", err)
		}
		plan.Keys = []string{key}
		plan.ContentLength = n
	}

	plan.EncodedBytes = plan.ContentLength
	if vp, ok := res.Profiles.Variant(v); ok {
		plan.OriginalBytes = vp.OriginalBytes
		plan.EncodeMs = vp.CompressMs
	} else {
		plan.OriginalBytes = int64(res.Metadata.Samples) * 2
	}
	plan.DataReady = time.Since(start)
	return plan, nil
}

// chunks enumerates the chunk objects of a chunked variant, limited to the
// count its .zarray declares. Chunks beyond the shape, left by a racing
// writer that fetched more samples, are not delivered.
func (c *Controller) chunks(ctx context.Context, v variant.Variant, cacheKey string) ([]objstore.ObjectInfo, error) {
	prefix := variant.ChunkPrefix(v.Codec, cacheKey)
	mb, err := c.store.Get(ctx, prefix+".zarray")
	if err != nil {
		return nil, storageErr("delivery.descriptor", err)
	}
	var meta variant.ArrayMeta
	if err := json.Unmarshal(mb, &meta); err != nil {
		return nil, cacheerr.New(cacheerr.StorageUnavailable, "delivery.descriptor", err)
	}
	want := meta.ChunkCount()
	if want == 0 {
		return nil, cacheerr.Errorf(cacheerr.StorageUnavailable, "delivery.descriptor",
			"entry %s: %s descriptor declares no chunks", cacheKey, v)
	}

	chunks, err := stream.Enumerate(ctx, c.store, prefix)
	if err != nil {
		return nil, storageErr("delivery.enumerate", err)
	}
	if len(chunks) < want {
		return nil, cacheerr.Errorf(cacheerr.StorageUnavailable, "delivery.enumerate",
			"entry %s has %d of %d %s chunks", cacheKey, len(chunks), want, v)
	}
	chunks = chunks[:want]
	for i, o := range chunks {
		if path.Base(o.Key) != variant.ChunkName(i) {
			return nil, cacheerr.Errorf(cacheerr.StorageUnavailable, "delivery.enumerate",
				"entry %s: %s chunk %d is missing", cacheKey, v, i)
		}
	}
	return chunks, nil
}

// Stream returns the progressive stream for a resolved plan.
func (c *Controller) Stream(ctx context.Context, plan *Plan, session *stream.Session) *stream.Stream {
	return stream.New(ctx, c.store, plan.Keys, c.sched, session)
}

// Served records a finished delivery. Catalog failures are logged only.
func (c *Controller) Served(ctx context.Context, plan *Plan, session *stream.Session) {
	c.log.Debug("delivery complete",
		"session", session.ID,
		"key", plan.CacheKey,
		"variant", plan.Variant.String(),
		"bytes", session.Bytes(),
		"ttfb_ms", session.TimeToFirstByte().Milliseconds(),
		"transfer_ms", session.Transfer().Milliseconds())
	if c.catalog == nil {
		return
	}
	if err := c.catalog.RecordServe(ctx, plan.CacheKey, session.Bytes()); err != nil {
		c.log.Warn("catalog serve record failed", "key", plan.CacheKey, "err", err)
	}
}

func storageErr(op string, err error) error {
	if cacheerr.KindOf(err) != cacheerr.KindUnknown {
		return err
	}
	return cacheerr.New(cacheerr.StorageUnavailable, op, fmt.Errorf("entry incomplete: %w", err))
}

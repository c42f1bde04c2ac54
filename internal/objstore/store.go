// Package objstore is the blob store capability the waveform cache runs on.
//
// A Backend speaks to one concrete store (in-memory, leveldb on local disk,
// or an S3-compatible bucket). Gateway wraps a Backend, turns paginated
// listing into a single ordered result and classifies failures: a missing
// object is ErrNotFound, anything else is cacheerr.StorageUnavailable.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"volcaudio/internal/cacheerr"
	"volcaudio/internal/config"
)

// ErrNotFound is returned by Get and Head for keys that do not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo is one listing result.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Backend is a concrete blob store.
//
// ListPage returns at most limit objects whose key starts with prefix and
// sorts strictly after startAfter, in ascending key order. A short page
// means the listing is exhausted.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (int64, error)
	ListPage(ctx context.Context, prefix, startAfter string, limit int) ([]ObjectInfo, error)
	Close() error
}

// Store is what the cache pipeline consumes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (int64, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

type Stats struct {
	Puts     uint64
	Gets     uint64
	Heads    uint64
	Lists    uint64
	BytesIn  uint64
	BytesOut uint64
	Failures uint64
}

// Gateway adapts a Backend to Store.
type Gateway struct {
	backend  Backend
	pageSize int
	log      *slog.Logger

	puts, gets, heads, lists atomic.Uint64
	bytesIn, bytesOut        atomic.Uint64
	failures                 atomic.Uint64
}

var _ Store = (*Gateway)(nil)

func NewGateway(b Backend, pageSize int, logger *slog.Logger) *Gateway {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backend: b, pageSize: pageSize, log: logger}
}

// Open builds the backend named by cfg.Backend and wraps it in a Gateway.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Gateway, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "memory":
		b = NewMemory()
	case "leveldb":
		b, err = OpenLevelDB(cfg.Path)
	case "s3":
		b, err = OpenS3(ctx, S3Options{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    cfg.Secure,
		})
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, cacheerr.New(cacheerr.StorageUnavailable, "objstore.open", err)
	}
	return NewGateway(b, cfg.ListPageSize, logger), nil
}

func (g *Gateway) Close() error { return g.backend.Close() }

func (g *Gateway) Put(ctx context.Context, key string, data []byte) error {
	g.puts.Add(1)
	if err := g.backend.Put(ctx, key, data); err != nil {
		return g.fail("put", key, err)
	}
	g.bytesIn.Add(uint64(len(data)))
	g.log.Debug("object stored", "key", key, "size", humanize.IBytes(uint64(len(data))))
	return nil
}

func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	g.gets.Add(1)
	b, err := g.backend.Get(ctx, key)
	if err != nil {
		return nil, g.fail("get", key, err)
	}
	g.bytesOut.Add(uint64(len(b)))
	return b, nil
}

func (g *Gateway) Head(ctx context.Context, key string) (int64, error) {
	g.heads.Add(1)
	n, err := g.backend.Head(ctx, key)
	if err != nil {
		return 0, g.fail("head", key, err)
	}
	return n, nil
}

// List returns every object under prefix in ascending key order, following
// backend pages until a short one.
func (g *Gateway) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	g.lists.Add(1)
	var (
		out   []ObjectInfo
		after string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, g.fail("list", prefix, err)
		}
		page, err := g.backend.ListPage(ctx, prefix, after, g.pageSize)
		if err != nil {
			return nil, g.fail("list", prefix, err)
		}
		for _, o := range page {
			if !strings.HasPrefix(o.Key, prefix) {
				continue
			}
			out = append(out, o)
		}
		if len(page) < g.pageSize {
			return out, nil
		}
		next := page[len(page)-1].Key
		if next <= after {
			return nil, g.fail("list", prefix, fmt.Errorf("backend page did not advance past %q", after))
		}
		after = next
	}
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Puts:     g.puts.Load(),
		Gets:     g.gets.Load(),
		Heads:    g.heads.Load(),
		Lists:    g.lists.Load(),
		BytesIn:  g.bytesIn.Load(),
		BytesOut: g.bytesOut.Load(),
		Failures: g.failures.Load(),
	}
}

func (g *Gateway) fail(op, key string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	g.failures.Add(1)
	return cacheerr.New(cacheerr.StorageUnavailable, "objstore."+op, fmt.Errorf("%s: %w", key, err))
}

package objstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"volcaudio/internal/cacheerr"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ldb.Close() })
	return map[string]Backend{
		"memory":  NewMemory(),
		"leveldb": ldb,
	}
}

func TestBackendPutGetHead(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGateway(b, 2, nil)
			if _, err := g.Head(ctx, "cache/int16/single/x.bin"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("head on empty store: %v", err)
			}
			if _, err := g.Get(ctx, "cache/int16/single/x.bin"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get on empty store: %v", err)
			}
			if err := g.Put(ctx, "cache/int16/single/x.bin", []byte("abcdef")); err != nil {
				t.Fatal(err)
			}
			got, err := g.Get(ctx, "cache/int16/single/x.bin")
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "abcdef" {
				t.Fatalf("get = %q", got)
			}
			n, err := g.Head(ctx, "cache/int16/single/x.bin")
			if err != nil || n != 6 {
				t.Fatalf("head = %d, %v", n, err)
			}

			// Overwrite replaces the whole value.
			if err := g.Put(ctx, "cache/int16/single/x.bin", []byte("z")); err != nil {
				t.Fatal(err)
			}
			if n, _ := g.Head(ctx, "cache/int16/single/x.bin"); n != 1 {
				t.Fatalf("head after overwrite = %d", n)
			}
		})
	}
}

func TestGatewayListPaginates(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGateway(b, 2, nil)
			for i := 0; i < 5; i++ {
				key := fmt.Sprintf("cache/gzip/chunked/k/%d", i)
				if err := g.Put(ctx, key, make([]byte, i+1)); err != nil {
					t.Fatal(err)
				}
			}
			if err := g.Put(ctx, "cache/gzip/chunked/k/.zarray", []byte("{}")); err != nil {
				t.Fatal(err)
			}
			if err := g.Put(ctx, "cache/gzip/chunked/other/0", []byte("x")); err != nil {
				t.Fatal(err)
			}

			got, err := g.List(ctx, "cache/gzip/chunked/k/")
			if err != nil {
				t.Fatal(err)
			}
			want := []string{
				"cache/gzip/chunked/k/.zarray",
				"cache/gzip/chunked/k/0",
				"cache/gzip/chunked/k/1",
				"cache/gzip/chunked/k/2",
				"cache/gzip/chunked/k/3",
				"cache/gzip/chunked/k/4",
			}
			if len(got) != len(want) {
				t.Fatalf("list = %+v", got)
			}
			for i, o := range got {
				if o.Key != want[i] {
					t.Fatalf("list[%d] = %q, want %q", i, o.Key, want[i])
				}
			}
			if got[3].Size != 3 {
				t.Fatalf("size of %s = %d", got[3].Key, got[3].Size)
			}
		})
	}
}

type brokenBackend struct{ *Memory }

func (brokenBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestGatewayClassifiesFailures(t *testing.T) {
	g := NewGateway(brokenBackend{Memory: NewMemory()}, 10, nil)
	_, err := g.Get(context.Background(), "a")
	if !cacheerr.Is(err, cacheerr.StorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("outage must not look like a miss")
	}
	if g.Stats().Failures != 1 {
		t.Fatalf("failures = %d", g.Stats().Failures)
	}

	_, err = g.Head(context.Background(), "a")
	if !errors.Is(err, ErrNotFound) || cacheerr.KindOf(err) != cacheerr.KindUnknown {
		t.Fatalf("miss misclassified: %v", err)
	}
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "objects")
	l, err := OpenLevelDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Put(ctx, "cache/metadata/k.json", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = OpenLevelDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	b, err := l.Get(ctx, "cache/metadata/k.json")
	if err != nil || string(b) != `{"a":1}` {
		t.Fatalf("get after reopen = %q, %v", b, err)
	}
}

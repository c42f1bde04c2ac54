package stream

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"volcaudio/internal/objstore"
	"volcaudio/internal/variant"
)

// Lister lists objects under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]objstore.ObjectInfo, error)
}

// Enumerate lists the chunk objects of a chunked variant in playback order.
// Descriptor objects are dropped.
func Enumerate(ctx context.Context, l Lister, prefix string) ([]objstore.ObjectInfo, error) {
	objs, err := l.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := objs[:0:0]
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, prefix)
		if name == "" || variant.ReservedNames[baseName(name)] {
			continue
		}
		out = append(out, o)
	}
	SortChunks(out, prefix)
	return out, nil
}

// SortChunks orders chunk objects by the integer suffix of their name.
// Names whose suffix is not an integer follow all numeric ones, in
// lexicographic order. Equal suffixes fall back to the full name, so the
// order is total.
func SortChunks(objs []objstore.ObjectInfo, prefix string) {
	sort.SliceStable(objs, func(i, j int) bool {
		return chunkLess(strings.TrimPrefix(objs[i].Key, prefix), strings.TrimPrefix(objs[j].Key, prefix))
	})
}

func chunkLess(a, b string) bool {
	na, aok := chunkIndex(a)
	nb, bok := chunkIndex(b)
	switch {
	case aok && bok:
		if na != nb {
			return na < nb
		}
		return a < b
	case aok:
		return true
	case bok:
		return false
	default:
		return a < b
	}
}

// chunkIndex parses the part of name after its last '/' or '.'.
func chunkIndex(name string) (uint64, bool) {
	suffix := name
	if i := strings.LastIndexAny(suffix, "/."); i >= 0 {
		suffix = suffix[i+1:]
	}
	n, err := strconv.ParseUint(suffix, 10, 64)
	return n, err == nil
}

func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

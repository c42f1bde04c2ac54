package variant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Getter is the read side of an object store.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Decompress turns one stored object back into int16 little-endian bytes.
func Decompress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case Int16:
		return data, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case Blosc:
		return BloscDecompress(data)
	}
	return nil, fmt.Errorf("unknown codec %v", c)
}

// Decode reads variant v of cacheKey from the store and returns its samples.
func Decode(ctx context.Context, g Getter, cacheKey string, v Variant) ([]int16, error) {
	if v.Layout == Single {
		data, err := g.Get(ctx, SingleKey(v.Codec, cacheKey))
		if err != nil {
			return nil, err
		}
		raw, err := Decompress(v.Codec, data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", v, err)
		}
		return BytesInt16(raw)
	}

	prefix := ChunkPrefix(v.Codec, cacheKey)
	mb, err := g.Get(ctx, prefix+".zarray")
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(mb, &meta); err != nil {
		return nil, fmt.Errorf("decode %s: .zarray: %w", v, err)
	}
	if len(meta.Shape) != 1 || meta.ChunkCount() == 0 {
		return nil, fmt.Errorf("decode %s: .zarray is not a 1-D chunked array", v)
	}
	if c, err := meta.Codec(); err != nil {
		return nil, err
	} else if c != v.Codec {
		return nil, fmt.Errorf("decode %s: .zarray declares %s", v, c)
	}

	var raw []byte
	for i := 0; i < meta.ChunkCount(); i++ {
		data, err := g.Get(ctx, prefix+ChunkName(i))
		if err != nil {
			return nil, err
		}
		chunk, err := Decompress(v.Codec, data)
		if err != nil {
			return nil, fmt.Errorf("decode %s chunk %d: %w", v, i, err)
		}
		raw = append(raw, chunk...)
	}
	want := 2 * meta.Shape[0]
	if len(raw) < want {
		return nil, fmt.Errorf("decode %s: %d bytes for shape %d", v, len(raw), meta.Shape[0])
	}
	return BytesInt16(raw[:want])
}

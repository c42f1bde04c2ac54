package variant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// Object is one key/value pair to upload.
type Object struct {
	Key  string
	Data []byte
}

// Blob is one encoded variant ready for upload.
type Blob struct {
	Variant Variant
	// Objects holds the single object, or for the chunked layout the
	// .zarray and .zattrs descriptors followed by chunks in index order.
	Objects []Object
	// OriginalBytes is the int16 payload size before compression.
	OriginalBytes int64
	// EncodedBytes counts sample-bearing objects only.
	EncodedBytes   int64
	Chunks         int
	EncodeDuration time.Duration
}

type Options struct {
	GzipLevel    int
	BloscLevel   int
	ChunkSamples int
	// Workers bounds how many variants encode at once.
	Workers int
}

type Encoder struct {
	opts  Options
	blosc *bloscCodec
}

func NewEncoder(o Options) (*Encoder, error) {
	if o.GzipLevel == 0 {
		o.GzipLevel = 1
	}
	if o.BloscLevel == 0 {
		o.BloscLevel = 5
	}
	if o.ChunkSamples <= 0 {
		o.ChunkSamples = 1 << 19
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	bc, err := newBloscCodec(o.BloscLevel)
	if err != nil {
		return nil, err
	}
	return &Encoder{opts: o, blosc: bc}, nil
}

// EncodeAll produces the six variants of samples, in All() order.
// samples must already be normalized; every variant encodes the same
// sequence.
func (e *Encoder) EncodeAll(ctx context.Context, cacheKey string, samples []int16, sampleRate float64) ([]Blob, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("encode %s: no samples", cacheKey)
	}
	raw := Int16Bytes(samples)
	variants := All()
	out := make([]Blob, len(variants))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, v := range variants {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				b   Blob
				err error
			)
			start := time.Now()
			if v.Layout == Chunked {
				b, err = e.encodeChunked(v.Codec, cacheKey, samples, sampleRate)
			} else {
				b, err = e.encodeSingle(v.Codec, cacheKey, raw)
			}
			if err != nil {
				return fmt.Errorf("encode %s: %w", v, err)
			}
			b.Variant = v
			b.EncodeDuration = time.Since(start)
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Encoder) encodeSingle(c Codec, cacheKey string, raw []byte) (Blob, error) {
	data, err := e.compress(c, raw)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Objects:       []Object{{Key: SingleKey(c, cacheKey), Data: data}},
		OriginalBytes: int64(len(raw)),
		EncodedBytes:  int64(len(data)),
		Chunks:        1,
	}, nil
}

// encodeChunked writes a Zarr v2 array. The edge chunk is padded with the
// fill value to the full chunk length; readers trim to shape.
func (e *Encoder) encodeChunked(c Codec, cacheKey string, samples []int16, sampleRate float64) (Blob, error) {
	meta := newArrayMeta(c, len(samples), e.opts.ChunkSamples, e.opts.GzipLevel, e.opts.BloscLevel)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Blob{}, err
	}
	attrsJSON, err := json.Marshal(ArrayAttrs{SampleRate: sampleRate, CacheKey: cacheKey, Samples: len(samples)})
	if err != nil {
		return Blob{}, err
	}

	prefix := ChunkPrefix(c, cacheKey)
	n := meta.ChunkCount()
	b := Blob{
		Objects: make([]Object, 0, n+2),
		Chunks:  n,
	}
	b.Objects = append(b.Objects,
		Object{Key: prefix + ".zarray", Data: metaJSON},
		Object{Key: prefix + ".zattrs", Data: attrsJSON},
	)

	cs := e.opts.ChunkSamples
	for i := 0; i < n; i++ {
		chunk := samples[i*cs : min((i+1)*cs, len(samples))]
		if len(chunk) < cs {
			padded := make([]int16, cs)
			copy(padded, chunk)
			chunk = padded
		}
		raw := Int16Bytes(chunk)
		data, err := e.compress(c, raw)
		if err != nil {
			return Blob{}, fmt.Errorf("chunk %d: %w", i, err)
		}
		b.Objects = append(b.Objects, Object{Key: prefix + ChunkName(i), Data: data})
		b.OriginalBytes += int64(len(raw))
		b.EncodedBytes += int64(len(data))
	}
	return b, nil
}

func (e *Encoder) compress(c Codec, raw []byte) ([]byte, error) {
	switch c {
	case Int16:
		return raw, nil
	case Gzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, e.opts.GzipLevel)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Blosc:
		return e.blosc.Compress(raw, 2)
	}
	return nil, fmt.Errorf("unknown codec %v", c)
}

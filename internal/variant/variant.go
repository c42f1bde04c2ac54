// Package variant defines the six stored representations of a waveform and
// how each is encoded, laid out in the object store and decoded again.
package variant

import (
	"fmt"
	"strings"

	"volcaudio/internal/cacheerr"
)

type Codec int

const (
	Int16 Codec = iota
	Gzip
	Blosc
)

var codecNames = [...]string{Int16: "int16", Gzip: "gzip", Blosc: "blosc"}

func (c Codec) String() string {
	if c < 0 || int(c) >= len(codecNames) {
		return fmt.Sprintf("codec(%d)", int(c))
	}
	return codecNames[c]
}

// Ext is the object suffix used by the single-object layout.
func (c Codec) Ext() string {
	switch c {
	case Gzip:
		return ".bin.gz"
	case Blosc:
		return ".blosc"
	default:
		return ".bin"
	}
}

type Layout int

const (
	Single Layout = iota
	Chunked
)

func (l Layout) String() string {
	if l == Chunked {
		return "chunked"
	}
	return "single"
}

// Variant is one (codec, layout) pair.
type Variant struct {
	Codec  Codec
	Layout Layout
}

func (v Variant) String() string { return v.Codec.String() + "/" + v.Layout.String() }

// Default is what a delivery request gets when it names neither field.
var Default = Variant{Codec: Gzip, Layout: Single}

// Sentinel is the variant whose presence marks an entry as fully published.
var Sentinel = Variant{Codec: Int16, Layout: Single}

// All lists the six variants, sentinel first.
func All() []Variant {
	out := make([]Variant, 0, 6)
	for _, l := range []Layout{Single, Chunked} {
		for _, c := range []Codec{Int16, Gzip, Blosc} {
			out = append(out, Variant{Codec: c, Layout: l})
		}
	}
	return out
}

// ParseCodec accepts int16, gzip, blosc and the alias none for int16.
// An empty string yields the default codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Default.Codec, nil
	case "int16", "none":
		return Int16, nil
	case "gzip":
		return Gzip, nil
	case "blosc":
		return Blosc, nil
	}
	return 0, cacheerr.Errorf(cacheerr.UnsupportedVariant, "variant.codec", "unsupported codec %q", s)
}

// ParseLayout accepts single and chunked. An empty string yields the
// default layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Default.Layout, nil
	case "single":
		return Single, nil
	case "chunked":
		return Chunked, nil
	}
	return 0, cacheerr.Errorf(cacheerr.UnsupportedVariant, "variant.layout", "unsupported layout %q", s)
}

func Parse(codec, layout string) (Variant, error) {
	c, err := ParseCodec(codec)
	if err != nil {
		return Variant{}, err
	}
	l, err := ParseLayout(layout)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Codec: c, Layout: l}, nil
}

// SingleKey is the object key of a single-object variant.
func SingleKey(c Codec, cacheKey string) string {
	return "cache/" + c.String() + "/single/" + cacheKey + c.Ext()
}

// ChunkPrefix is the directory holding a chunked variant, with trailing slash.
func ChunkPrefix(c Codec, cacheKey string) string {
	return "cache/" + c.String() + "/chunked/" + cacheKey + "/"
}

// Location returns the object key (single) or directory prefix (chunked).
func (v Variant) Location(cacheKey string) string {
	if v.Layout == Chunked {
		return ChunkPrefix(v.Codec, cacheKey)
	}
	return SingleKey(v.Codec, cacheKey)
}

// SentinelKey is the object whose existence marks cacheKey as populated.
func SentinelKey(cacheKey string) string { return SingleKey(Int16, cacheKey) }

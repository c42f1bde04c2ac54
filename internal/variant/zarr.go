package variant

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Names inside a chunked directory that describe the array rather than
// hold samples.
var ReservedNames = map[string]bool{
	".zarray":    true,
	".zattrs":    true,
	".zgroup":    true,
	".zmetadata": true,
	"zarr.json":  true,
}

// ArrayMeta is a Zarr v2 .zarray document for a 1-D int16 array.
type ArrayMeta struct {
	ZarrFormat int             `json:"zarr_format"`
	Shape      []int           `json:"shape"`
	Chunks     []int           `json:"chunks"`
	DType      string          `json:"dtype"`
	Compressor json.RawMessage `json:"compressor"`
	FillValue  int             `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    json.RawMessage `json:"filters"`
}

// ArrayAttrs is the .zattrs document.
type ArrayAttrs struct {
	SampleRate float64 `json:"sample_rate"`
	CacheKey   string  `json:"cache_key"`
	Samples    int     `json:"samples"`
}

type compressorConfig struct {
	ID        string `json:"id"`
	Level     int    `json:"level,omitempty"`
	CName     string `json:"cname,omitempty"`
	CLevel    int    `json:"clevel,omitempty"`
	Shuffle   int    `json:"shuffle,omitempty"`
	Blocksize *int   `json:"blocksize,omitempty"`
}

func compressorJSON(c Codec, gzipLevel, bloscLevel int) json.RawMessage {
	var cfg *compressorConfig
	switch c {
	case Gzip:
		cfg = &compressorConfig{ID: "gzip", Level: gzipLevel}
	case Blosc:
		zero := 0
		cfg = &compressorConfig{ID: "blosc", CName: "zstd", CLevel: bloscLevel, Shuffle: 1, Blocksize: &zero}
	default:
		return json.RawMessage("null")
	}
	b, _ := json.Marshal(cfg)
	return b
}

func newArrayMeta(c Codec, samples, chunkSamples, gzipLevel, bloscLevel int) ArrayMeta {
	return ArrayMeta{
		ZarrFormat: 2,
		Shape:      []int{samples},
		Chunks:     []int{chunkSamples},
		DType:      "<i2",
		Compressor: compressorJSON(c, gzipLevel, bloscLevel),
		FillValue:  0,
		Order:      "C",
		Filters:    json.RawMessage("null"),
	}
}

// ChunkCount is the number of chunk objects for the array.
func (m ArrayMeta) ChunkCount() int {
	if len(m.Shape) != 1 || len(m.Chunks) != 1 || m.Chunks[0] <= 0 {
		return 0
	}
	return (m.Shape[0] + m.Chunks[0] - 1) / m.Chunks[0]
}

// Codec maps the compressor back to a Codec.
func (m ArrayMeta) Codec() (Codec, error) {
	if len(m.Compressor) == 0 || string(m.Compressor) == "null" {
		return Int16, nil
	}
	var cfg compressorConfig
	if err := json.Unmarshal(m.Compressor, &cfg); err != nil {
		return 0, fmt.Errorf("zarray compressor: %w", err)
	}
	switch cfg.ID {
	case "gzip":
		return Gzip, nil
	case "blosc":
		return Blosc, nil
	}
	return 0, fmt.Errorf("zarray compressor %q not supported", cfg.ID)
}

// ChunkName is the object name of chunk i in a 1-D array.
func ChunkName(i int) string { return strconv.Itoa(i) }

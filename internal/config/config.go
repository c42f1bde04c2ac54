package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"volcaudio/internal/upstream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOLCAUDIO_"

type Config struct {
	Server struct {
		Port          int    `yaml:"port" env:"PORT"`
		CORSOrigin    string `yaml:"corsOrigin" env:"CORS_ORIGIN"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"LOG_STATS_EVERY"`

		logStatsEveryDur time.Duration
	} `yaml:"server" envPrefix:"SERVER_"`

	Log struct {
		Level string `yaml:"level" env:"LEVEL"`
	} `yaml:"log" envPrefix:"LOG_"`

	Store StoreConfig `yaml:"store" envPrefix:"STORE_"`

	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`

	Encoding struct {
		GzipLevel    int `yaml:"gzipLevel" env:"GZIP_LEVEL"`
		BloscLevel   int `yaml:"bloscLevel" env:"BLOSC_LEVEL"`
		ChunkSamples int `yaml:"chunkSamples" env:"CHUNK_SAMPLES"`
		Workers      int `yaml:"workers" env:"WORKERS"`
	} `yaml:"encoding" envPrefix:"ENCODING_"`

	Stream struct {
		Steps  []string `yaml:"steps" env:"-"`
		Steady string   `yaml:"steady" env:"STEADY"`

		stepBytes   []int
		steadyBytes int
	} `yaml:"stream" envPrefix:"STREAM_"`

	Populate struct {
		ArchiveRaw bool `yaml:"archiveRaw" env:"ARCHIVE_RAW"`
	} `yaml:"populate" envPrefix:"POPULATE_"`

	Catalog struct {
		Path string `yaml:"path" env:"PATH"`
	} `yaml:"catalog" envPrefix:"CATALOG_"`

	Sources map[string]Source `yaml:"sources" env:"-"`

	Defaults struct {
		Source        string `yaml:"source" env:"SOURCE"`
		HoursAgo      int    `yaml:"hoursAgo" env:"HOURS_AGO"`
		DurationHours int    `yaml:"durationHours" env:"DURATION_HOURS"`
	} `yaml:"defaults" envPrefix:"DEFAULTS_"`

	Warm struct {
		Every    string        `yaml:"every" env:"EVERY"`
		Requests []WarmRequest `yaml:"requests" env:"-"`

		everyDur time.Duration
	} `yaml:"warm" envPrefix:"WARM_"`
}

type StoreConfig struct {
	// Backend is one of memory, leveldb, s3.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is the leveldb directory.
	Path         string `yaml:"path" env:"PATH"`
	Endpoint     string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"BUCKET"`
	Region       string `yaml:"region" env:"REGION"`
	AccessKey    string `yaml:"accessKey" env:"ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"SECRET_KEY"`
	Secure       bool   `yaml:"secure" env:"SECURE"`
	ListPageSize int    `yaml:"listPageSize" env:"LIST_PAGE_SIZE"`
}

type UpstreamConfig struct {
	// Kind is http or sweep. Sweep needs no network and is the default.
	Kind              string   `yaml:"kind" env:"KIND"`
	BaseURL           string   `yaml:"baseURL" env:"BASE_URL"`
	Timeout           string   `yaml:"timeout" env:"TIMEOUT"`
	LocationFallbacks []string `yaml:"locationFallbacks" env:"-"`
	SweepRate         float64  `yaml:"sweepRate" env:"SWEEP_RATE"`

	timeoutDur time.Duration
}

// Source is one configured station selector.
type Source struct {
	Name     string `yaml:"name"`
	Network  string `yaml:"network"`
	Station  string `yaml:"station"`
	Location string `yaml:"location"`
	Channel  string `yaml:"channel"`
}

func (s Source) Selector() upstream.Station {
	return upstream.Station{
		Network:  s.Network,
		Station:  s.Station,
		Location: s.Location,
		Channel:  s.Channel,
	}
}

type WarmRequest struct {
	Source        string `yaml:"source"`
	HoursAgo      int    `yaml:"hoursAgo"`
	DurationHours int    `yaml:"durationHours"`
}

var defaultSteps = []string{"8KiB", "16KiB", "32KiB", "64KiB", "128KiB", "256KiB"}

// DefaultLocationFallbacks are tried after a source's own location code.
var DefaultLocationFallbacks = []string{"", "01", "00", "10", "--"}

// Load reads path (optional; empty means defaults only), applies
// VOLCAUDIO_* environment overrides and compiles derived fields.
func Load(path string) (Config, error) {
	cfg := seeded()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// seeded returns a Config carrying the defaults whose zero value is itself
// valid, so an explicit zero in the file or environment survives.
func seeded() Config {
	var c Config
	c.Defaults.HoursAgo = 12
	return c
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "leveldb"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/objects"
	}
	if c.Store.Region == "" {
		c.Store.Region = "auto"
	}
	if c.Store.ListPageSize <= 0 {
		c.Store.ListPageSize = 1000
	}
	if c.Upstream.Kind == "" {
		c.Upstream.Kind = "sweep"
	}
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "2m"
	}
	if c.Upstream.LocationFallbacks == nil {
		c.Upstream.LocationFallbacks = append([]string(nil), DefaultLocationFallbacks...)
	}
	if c.Upstream.SweepRate == 0 {
		c.Upstream.SweepRate = 100
	}
	if c.Encoding.GzipLevel == 0 {
		c.Encoding.GzipLevel = 1
	}
	if c.Encoding.BloscLevel == 0 {
		c.Encoding.BloscLevel = 5
	}
	if c.Encoding.ChunkSamples == 0 {
		c.Encoding.ChunkSamples = 1 << 19
	}
	if c.Encoding.Workers == 0 {
		c.Encoding.Workers = 3
	}
	if len(c.Stream.Steps) == 0 {
		c.Stream.Steps = append([]string(nil), defaultSteps...)
	}
	if c.Stream.Steady == "" {
		c.Stream.Steady = "512KiB"
	}
	if c.Defaults.DurationHours == 0 {
		c.Defaults.DurationHours = 4
	}
	if len(c.Sources) == 0 {
		c.Sources = map[string]Source{
			"kilauea":    {Name: "Kilauea", Network: "HV", Station: "HLPD", Channel: "HHZ"},
			"spurr":      {Name: "Spurr", Network: "AV", Station: "SPCN", Channel: "BHZ"},
			"shishaldin": {Name: "Shishaldin", Network: "AV", Station: "SSLS", Channel: "HHZ"},
		}
	}
	if c.Defaults.Source == "" {
		c.Defaults.Source = c.SourceIDs()[0]
	}
}

func (c *Config) compile() error {
	c.setDefaults()
	if err := c.normalizeSourceIDs(); err != nil {
		return err
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}

	switch c.Store.Backend {
	case "memory", "leveldb":
	case "s3":
		if c.Store.Endpoint == "" || c.Store.Bucket == "" {
			return fmt.Errorf("store: s3 backend needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}

	switch c.Upstream.Kind {
	case "http":
		if c.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream.baseURL is required for the http upstream")
		}
		c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	case "sweep":
		if c.Upstream.SweepRate <= 0 {
			return fmt.Errorf("upstream.sweepRate must be positive")
		}
	default:
		return fmt.Errorf("upstream.kind: unknown kind %q", c.Upstream.Kind)
	}
	d, err := time.ParseDuration(c.Upstream.Timeout)
	if err != nil {
		return fmt.Errorf("upstream.timeout: %w", err)
	}
	c.Upstream.timeoutDur = d

	if c.Encoding.GzipLevel < 1 || c.Encoding.GzipLevel > 9 {
		return fmt.Errorf("encoding.gzipLevel must be between 1 and 9")
	}
	if c.Encoding.BloscLevel < 1 || c.Encoding.BloscLevel > 9 {
		return fmt.Errorf("encoding.bloscLevel must be between 1 and 9")
	}
	if c.Encoding.ChunkSamples < 1 {
		return fmt.Errorf("encoding.chunkSamples must be positive")
	}

	c.Stream.stepBytes = c.Stream.stepBytes[:0]
	for i, s := range c.Stream.Steps {
		n, err := parseSize(s)
		if err != nil {
			return fmt.Errorf("stream.steps[%d]: %w", i, err)
		}
		c.Stream.stepBytes = append(c.Stream.stepBytes, n)
	}
	if c.Stream.steadyBytes, err = parseSize(c.Stream.Steady); err != nil {
		return fmt.Errorf("stream.steady: %w", err)
	}

	for id, src := range c.Sources {
		if src.Network == "" || src.Station == "" || src.Channel == "" {
			return fmt.Errorf("sources[%s]: network, station and channel are required", id)
		}
	}
	if _, ok := c.Sources[c.Defaults.Source]; !ok {
		return fmt.Errorf("defaults.source: %q is not a configured source", c.Defaults.Source)
	}
	if c.Defaults.HoursAgo < 0 || c.Defaults.DurationHours < 1 {
		return fmt.Errorf("defaults: hoursAgo must be >= 0 and durationHours >= 1")
	}

	if c.Server.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Server.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("server.logStatsEvery: %w", err)
		}
		c.Server.logStatsEveryDur = d
	}

	if c.Warm.Every != "" {
		d, err := time.ParseDuration(c.Warm.Every)
		if err != nil {
			return fmt.Errorf("warm.every: %w", err)
		}
		c.Warm.everyDur = d
	}
	for i, r := range c.Warm.Requests {
		if _, ok := c.Sources[r.Source]; !ok {
			return fmt.Errorf("warm.requests[%d]: unknown source %q", i, r.Source)
		}
		if r.HoursAgo < 0 || r.DurationHours < 1 {
			return fmt.Errorf("warm.requests[%d]: hoursAgo must be >= 0 and durationHours >= 1", i)
		}
	}
	return nil
}

// normalizeSourceIDs lowercases source ids and every reference to them.
// Requests match ids case-insensitively.
func (c *Config) normalizeSourceIDs() error {
	out := make(map[string]Source, len(c.Sources))
	for id, src := range c.Sources {
		norm := NormalizeSourceID(id)
		if norm == "" {
			return fmt.Errorf("sources: empty source id")
		}
		if _, dup := out[norm]; dup {
			return fmt.Errorf("sources[%s]: duplicate source id after lowercasing", id)
		}
		out[norm] = src
	}
	c.Sources = out
	c.Defaults.Source = NormalizeSourceID(c.Defaults.Source)
	for i := range c.Warm.Requests {
		c.Warm.Requests[i].Source = NormalizeSourceID(c.Warm.Requests[i].Source)
	}
	return nil
}

// NormalizeSourceID is the canonical form of a source id.
func NormalizeSourceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func parseSize(s string) (int, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return int(n), nil
}

// SourceIDs returns the configured source ids in sorted order.
func (c *Config) SourceIDs() []string {
	out := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Config) LogStatsEvery() time.Duration   { return c.Server.logStatsEveryDur }
func (c *Config) WarmEvery() time.Duration       { return c.Warm.everyDur }
func (c *Config) UpstreamTimeout() time.Duration { return c.Upstream.timeoutDur }

// StreamSteps returns the compiled staircase sizes and the steady size in bytes.
func (c *Config) StreamSteps() ([]int, int) {
	return append([]int(nil), c.Stream.stepBytes...), c.Stream.steadyBytes
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBandwidthSafetyFactor = 0.9
	DefaultRequestTimeout        = 5 * time.Second
	DefaultResponseHeaderTimeout = 3 * time.Second
	DefaultMaxRetries            = 3
	DefaultRetryDelay            = 100 * time.Millisecond
	DefaultInitCacheSize         = 64
	DefaultListenAddr            = ":8080"
)

// Protocol selects the HTTP version used by the transport.
type Protocol string

const (
	HTTP1 Protocol = "h1"
	HTTP2 Protocol = "h2"
	HTTP3 Protocol = "h3"
)

// parseProtocol accepts the common spellings of each HTTP version.
func parseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "", "h1", "http1", "http/1.1":
		return HTTP1, nil
	case "h2", "http2", "http/2":
		return HTTP2, nil
	case "h3", "http3", "http/3":
		return HTTP3, nil
	default:
		return "", fmt.Errorf("unknown transport protocol '%s'", s)
	}
}

// Stream is a manifest the probe tool can measure.
type Stream struct {
	Name        string
	Id          string
	ManifestURL string
	Live        bool
}

// TransportConfig holds the settings for the HTTP transport.
type TransportConfig struct {
	Protocol              Protocol
	RequestTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
}

// PlayerConfig holds the fully processed configuration.
type PlayerConfig struct {
	Name      string
	UserAgent string
	LogLevel  string
	LogFormat string

	// BandwidthSafetyFactor scales raw throughput into the value a rate
	// controller should use. Always in (0, 1].
	BandwidthSafetyFactor float64
	// UseDeadTimeLatency excludes time-to-first-byte from throughput samples.
	UseDeadTimeLatency bool

	Transport     TransportConfig
	ListenAddr    string
	InitCacheSize int
	Streams       []Stream
}

// rawStream is the on-disk shape of a stream entry.
type rawStream struct {
	Name        string `json:"Name" yaml:"name"`
	Id          string `json:"Id" yaml:"id"`
	ManifestURL string `json:"Manifest" yaml:"manifest"`
	Live        bool   `json:"Live" yaml:"live"`
}

type rawTransport struct {
	Protocol              string `json:"Protocol" yaml:"protocol"`
	RequestTimeout        string `json:"RequestTimeout" yaml:"request_timeout"`
	ResponseHeaderTimeout string `json:"ResponseHeaderTimeout" yaml:"response_header_timeout"`
	MaxRetries            int    `json:"MaxRetries" yaml:"max_retries"`
	RetryDelay            string `json:"RetryDelay" yaml:"retry_delay"`
}

type rawAbr struct {
	BandwidthSafetyFactor *float64 `json:"BandwidthSafetyFactor" yaml:"bandwidth_safety_factor"`
	UseDeadTimeLatency    bool     `json:"UseDeadTimeLatency" yaml:"use_dead_time_latency"`
}

// rawConfig is the intermediate structure that maps directly to the config file.
type rawConfig struct {
	Name          string       `json:"Name" yaml:"name"`
	UserAgent     string       `json:"UserAgent" yaml:"user_agent"`
	LogLevel      string       `json:"LogLevel" yaml:"log_level"`
	LogFormat     string       `json:"LogFormat" yaml:"log_format"`
	ListenAddr    string       `json:"ListenAddr" yaml:"listen_addr"`
	InitCacheSize int          `json:"InitCacheSize" yaml:"init_cache_size"`
	Abr           rawAbr       `json:"Abr" yaml:"abr"`
	Transport     rawTransport `json:"Transport" yaml:"transport"`
	Streams       []rawStream  `json:"Streams" yaml:"streams"`
}

// Default returns a configuration with every default applied and no streams.
func Default() *PlayerConfig {
	return &PlayerConfig{
		LogLevel:              "info",
		LogFormat:             "json",
		BandwidthSafetyFactor: DefaultBandwidthSafetyFactor,
		Transport: TransportConfig{
			Protocol:              HTTP1,
			RequestTimeout:        DefaultRequestTimeout,
			ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
			MaxRetries:            DefaultMaxRetries,
			RetryDelay:            DefaultRetryDelay,
		},
		ListenAddr:    DefaultListenAddr,
		InitCacheSize: DefaultInitCacheSize,
	}
}

// LoadConfig reads and parses the configuration file from the given path.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func LoadConfig(path string) (*PlayerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
		}
	}

	cfg, err := raw.process()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// process turns the raw file contents into a PlayerConfig, filling defaults
// for anything left unset.
func (rc *rawConfig) process() (*PlayerConfig, error) {
	cfg := Default()
	cfg.Name = rc.Name
	cfg.UserAgent = rc.UserAgent
	cfg.applyAbr(rc.Abr)

	if rc.LogLevel != "" {
		cfg.LogLevel = rc.LogLevel
	}
	if rc.LogFormat != "" {
		cfg.LogFormat = rc.LogFormat
	}
	if rc.ListenAddr != "" {
		cfg.ListenAddr = rc.ListenAddr
	}
	if rc.InitCacheSize != 0 {
		cfg.InitCacheSize = rc.InitCacheSize
	}

	protocol, err := parseProtocol(rc.Transport.Protocol)
	if err != nil {
		return nil, err
	}
	cfg.Transport.Protocol = protocol
	if rc.Transport.MaxRetries != 0 {
		cfg.Transport.MaxRetries = rc.Transport.MaxRetries
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"request_timeout", rc.Transport.RequestTimeout, &cfg.Transport.RequestTimeout},
		{"response_header_timeout", rc.Transport.ResponseHeaderTimeout, &cfg.Transport.ResponseHeaderTimeout},
		{"retry_delay", rc.Transport.RetryDelay, &cfg.Transport.RetryDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transport %s '%s': %w", d.name, d.value, err)
		}
		*d.dst = parsed
	}

	cfg.Streams = make([]Stream, 0, len(rc.Streams))
	for _, rs := range rc.Streams {
		cfg.Streams = append(cfg.Streams, Stream{
			Name:        rs.Name,
			Id:          rs.Id,
			ManifestURL: rs.ManifestURL,
			Live:        rs.Live,
		})
	}

	return cfg, nil
}

// applyAbr applies the rate-estimation section of a raw config.
func (c *PlayerConfig) applyAbr(raw rawAbr) {
	if raw.BandwidthSafetyFactor != nil {
		c.BandwidthSafetyFactor = *raw.BandwidthSafetyFactor
	}
	c.UseDeadTimeLatency = raw.UseDeadTimeLatency
}

// Validate reports every problem with the configuration at once.
func (c *PlayerConfig) Validate() error {
	var err error

	if c.BandwidthSafetyFactor <= 0 || c.BandwidthSafetyFactor > 1 {
		err = multierr.Append(err, fmt.Errorf("bandwidth safety factor must be in (0, 1], got %v", c.BandwidthSafetyFactor))
	}
	if c.Transport.MaxRetries < 1 {
		err = multierr.Append(err, fmt.Errorf("transport max retries must be at least 1, got %d", c.Transport.MaxRetries))
	}
	if c.Transport.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("transport request timeout must be positive"))
	}
	if c.InitCacheSize < 1 {
		err = multierr.Append(err, fmt.Errorf("init cache size must be at least 1, got %d", c.InitCacheSize))
	}

	seen := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if s.Id == "" {
			err = multierr.Append(err, fmt.Errorf("stream %d has no id", i))
			continue
		}
		if _, dup := seen[s.Id]; dup {
			err = multierr.Append(err, fmt.Errorf("duplicate stream id '%s'", s.Id))
		}
		seen[s.Id] = struct{}{}
		if s.ManifestURL == "" {
			err = multierr.Append(err, fmt.Errorf("stream '%s' has no manifest URL", s.Id))
		}
	}

	return err
}

// FindStream returns the stream with the given id, or nil.
func (c *PlayerConfig) FindStream(id string) *Stream {
	for i := range c.Streams {
		if c.Streams[i].Id == id {
			return &c.Streams[i]
		}
	}
	return nil
}

// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caravel-telemetry/caravel/lib/compress"
)

// Environment selects which override section of the config file
// applies.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for both Caravel binaries.
type Config struct {
	// Environment selects the override section. Defaults to
	// development.
	Environment Environment `yaml:"environment"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Gateway GatewayConfig `yaml:"gateway"`
	Relay   RelayConfig   `yaml:"relay"`

	// Per-environment overrides, applied on top of the main sections
	// when Environment matches.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// GatewayConfig configures the central ingest service.
type GatewayConfig struct {
	// ListenAddr is the HTTP listen address for /ingest, /healthz,
	// and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	// MaxBodyBytes caps the decoded size of an ingest request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout bounds graceful shutdown, including the final
	// spool flush.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// IdempotencyWindow is how long a batch key suppresses
	// duplicates. Zero disables duplicate suppression.
	IdempotencyWindow Duration `yaml:"idempotency_window"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	Sinks    SinksConfig    `yaml:"sinks"`
}

// PipelineConfig configures the processing stages between ingest and
// the sinks.
type PipelineConfig struct {
	// DropFields are top-level keys the redactor removes outright.
	DropFields []string `yaml:"drop_fields"`

	// HashRedactions replaces matches with a short content hash
	// instead of a bare mask, so equal values stay correlatable.
	HashRedactions bool `yaml:"hash_redactions"`

	// StrictPII makes a post-redaction PII finding hold the event
	// back from enrichment and delivery tagging.
	StrictPII bool `yaml:"strict_pii"`

	// ExtraPatterns adds site-specific redaction patterns,
	// kind → regular expression.
	ExtraPatterns map[string]string `yaml:"extra_patterns"`

	// EnrichmentFile is a JSONC file of lookup tables; see
	// ReadEnrichmentFile. Empty means no table-driven enrichment.
	EnrichmentFile string `yaml:"enrichment_file"`

	AI AIConfig `yaml:"ai"`
}

// AIConfig configures the optional model-backed enrichment stage.
type AIConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the chat-completions URL.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`

	// APIKeyFile holds the bearer token, one line. Empty sends no
	// Authorization header.
	APIKeyFile string `yaml:"api_key_file"`

	// ConfidenceThreshold below which responses are discarded.
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	CallTimeout         Duration `yaml:"call_timeout"`
}

// SinksConfig configures the delivery side of the gateway.
type SinksConfig struct {
	Logstream  LogstreamConfig  `yaml:"logstream"`
	Eventstore EventstoreConfig `yaml:"eventstore"`

	// SpoolDir holds diverted batches per sink (a subdirectory per
	// sink name).
	SpoolDir      string `yaml:"spool_dir"`
	SpoolMaxBytes int64  `yaml:"spool_max_bytes"`

	DeadLetterDir      string `yaml:"dead_letter_dir"`
	DeadLetterMaxBytes int64  `yaml:"dead_letter_max_bytes"`

	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`

	// DrainBatch is how many spooled entries one drain pass attempts.
	DrainBatch      int      `yaml:"drain_batch"`
	DrainInterval   Duration `yaml:"drain_interval"`
	SpoolMaxRetries int      `yaml:"spool_max_retries"`

	// DrainBytesPerSec paces spool drain. Zero means unpaced.
	DrainBytesPerSec float64 `yaml:"drain_bytes_per_sec"`
	DrainBurstBytes  int     `yaml:"drain_burst_bytes"`
}

// LogstreamConfig configures the log-stream push sink.
type LogstreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// TenantID is sent as X-Scope-OrgID when non-empty.
	TenantID string `yaml:"tenant_id"`

	// Labels overrides the default safe-label whitelist.
	Labels       []string          `yaml:"labels"`
	StaticLabels map[string]string `yaml:"static_labels"`
	Timeout      Duration          `yaml:"timeout"`
}

// EventstoreConfig configures the SQLite sink.
type EventstoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// BreakerConfig tunes the per-destination circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int      `yaml:"failure_threshold"`
	OpenDuration        Duration `yaml:"open_duration"`
	HalfOpenMaxInflight int      `yaml:"half_open_max_inflight"`
}

// RetryConfig tunes the backoff policy.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	JitterFactor   float64  `yaml:"jitter_factor"`
}

// RelayConfig configures the edge shipper.
type RelayConfig struct {
	// Endpoint is the gateway ingest URL. Required for the http
	// transport.
	Endpoint string `yaml:"endpoint"`

	// StatusAddr serves GET /status locally.
	StatusAddr string `yaml:"status_addr"`

	// Source identifies this relay in envelopes. Empty falls back to
	// the hostname.
	Source string `yaml:"source"`

	Buffer BufferConfig `yaml:"buffer"`

	// ShipInterval is the tick period of the shipper loop.
	ShipInterval Duration `yaml:"ship_interval"`

	// BatchSize triggers an early ship when the buffer reaches it.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout ships a short batch once the oldest buffered
	// message is this old.
	BatchTimeout Duration `yaml:"batch_timeout"`

	// Compression names the envelope compression tag: none, gzip,
	// zstd, or lz4.
	Compression string `yaml:"compression"`

	// Transport is http or file.
	Transport string `yaml:"transport"`

	// FileDir receives artifacts when Transport is file.
	FileDir string `yaml:"file_dir"`

	// EventsPerSec caps transmit rate. Zero means unlimited.
	EventsPerSec float64 `yaml:"events_per_sec"`
	Burst        int     `yaml:"burst"`

	Retry RetryConfig `yaml:"retry"`

	IdempotencyWindow Duration `yaml:"idempotency_window"`

	// Timeout bounds one HTTP send.
	Timeout Duration `yaml:"timeout"`
}

// BufferConfig configures the relay's message buffer.
type BufferConfig struct {
	// Mode is memory (drop on overflow, counted) or durable (spool
	// on disk).
	Mode string `yaml:"mode"`

	// Capacity is the message count bound in memory mode.
	Capacity int `yaml:"capacity"`

	// Dir and MaxBytes apply in durable mode.
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// Overrides is the subset of settings an environment section may
// change.
type Overrides struct {
	LogLevel string `yaml:"log_level,omitempty"`

	// StrictPII is a pointer so an override can force either value.
	StrictPII *bool `yaml:"strict_pii,omitempty"`

	GatewayListenAddr string `yaml:"gateway_listen_addr,omitempty"`
	RelayEndpoint     string `yaml:"relay_endpoint,omitempty"`
}

// Default returns the built-in configuration. Every Load starts from
// here; the file only has to mention what differs.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		Gateway: GatewayConfig{
			ListenAddr:        ":8443",
			MaxBodyBytes:      8 << 20,
			ShutdownTimeout:   Duration(10 * time.Second),
			IdempotencyWindow: Duration(5 * time.Minute),
			Pipeline: PipelineConfig{
				AI: AIConfig{
					ConfidenceThreshold: 0.7,
					CallTimeout:         Duration(10 * time.Second),
				},
			},
			Sinks: SinksConfig{
				Logstream: LogstreamConfig{
					Timeout: Duration(10 * time.Second),
				},
				SpoolDir:           "/var/lib/caravel/spool",
				SpoolMaxBytes:      256 << 20,
				DeadLetterDir:      "/var/lib/caravel/deadletter",
				DeadLetterMaxBytes: 64 << 20,
				Breaker: BreakerConfig{
					FailureThreshold:    5,
					OpenDuration:        Duration(30 * time.Second),
					HalfOpenMaxInflight: 1,
				},
				Retry: RetryConfig{
					MaxRetries:     5,
					InitialBackoff: Duration(time.Second),
					MaxBackoff:     Duration(time.Minute),
					JitterFactor:   0.2,
				},
				DrainBatch:      4,
				DrainInterval:   Duration(time.Second),
				SpoolMaxRetries: 5,
			},
		},
		Relay: RelayConfig{
			StatusAddr: "127.0.0.1:9220",
			Buffer: BufferConfig{
				Mode:     "memory",
				Capacity: 10000,
				Dir:      "/var/lib/caravel/relay-buffer",
				MaxBytes: 128 << 20,
			},
			ShipInterval: Duration(5 * time.Second),
			BatchSize:    100,
			BatchTimeout: Duration(30 * time.Second),
			Compression:  "gzip",
			Transport:    "http",
			FileDir:      "/var/lib/caravel/outbox",
			Retry: RetryConfig{
				MaxRetries:     5,
				InitialBackoff: Duration(time.Second),
				MaxBackoff:     Duration(5 * time.Minute),
				JitterFactor:   0.2,
			},
			IdempotencyWindow: Duration(5 * time.Minute),
			Timeout:           Duration(30 * time.Second),
		},
	}
}

// Load reads the file named by CARAVEL_CONFIG, or returns Default()
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv("CARAVEL_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads one YAML file on top of the defaults, applies the
// override section matching Environment, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyOverrides applies the section matching Environment. Production
// with no section still tightens defaults: PII handling goes strict.
func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			strict := true
			overrides = &Overrides{StrictPII: &strict}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
	if overrides.StrictPII != nil {
		c.Gateway.Pipeline.StrictPII = *overrides.StrictPII
	}
	if overrides.GatewayListenAddr != "" {
		c.Gateway.ListenAddr = overrides.GatewayListenAddr
	}
	if overrides.RelayEndpoint != "" {
		c.Relay.Endpoint = overrides.RelayEndpoint
	}
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	if _, err := compress.ParseTag(c.Relay.Compression); err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	switch c.Relay.Buffer.Mode {
	case "memory", "durable":
	default:
		return fmt.Errorf("relay: unknown buffer mode %q", c.Relay.Buffer.Mode)
	}

	switch c.Relay.Transport {
	case "http":
		if c.Relay.Endpoint == "" {
			return fmt.Errorf("relay: http transport requires endpoint")
		}
	case "file":
	default:
		return fmt.Errorf("relay: unknown transport %q", c.Relay.Transport)
	}

	if c.Gateway.Pipeline.AI.Enabled && c.Gateway.Pipeline.AI.Endpoint == "" {
		return fmt.Errorf("gateway: ai enrichment enabled without endpoint")
	}

	return nil
}

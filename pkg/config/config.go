// Package config provides the unified configuration for vendorflow.
// A single Config structure carries every setting the CLI, the connectors and
// the pipeline runner need, organised into sections:
//   - Meshy: API credentials, endpoint and request pacing
//   - Reliability: retry attempts and backoff
//   - Polling: interval and budget for synchronous stages
//   - Pipeline: asset-level concurrency
//   - Storage: where downloaded assets are written
//   - Catalog: where terminal task handles are recorded
//   - Observability: logging, tracing and metrics
//
// Example usage:
//
//	cfg, err := config.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Polling.Timeout)
package config

import (
	"time"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Config is the root configuration structure
type Config struct {
	// Meshy holds the Meshy API connection settings
	Meshy MeshyConfig `mapstructure:"meshy" yaml:"meshy" json:"meshy"`

	// Reliability settings for the retrying HTTP client
	Reliability ReliabilityConfig `mapstructure:"reliability" yaml:"reliability" json:"reliability"`

	// Polling defaults used when a stage waits for its task
	Polling PollingConfig `mapstructure:"polling" yaml:"polling" json:"polling"`

	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// Storage selects the sink for downloaded model files
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`

	// Catalog selects where finished task handles are recorded
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog" json:"catalog"`

	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// MeshyConfig contains the Meshy API settings.
// The API key is checked when a connector is built, not at load time, so
// commands that never call the API work without one.
type MeshyConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key" json:"-"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url" json:"base_url" validate:"required,url"`
	// MinRequestInterval spaces every request made by any Meshy connector in the process
	MinRequestInterval time.Duration `mapstructure:"min_request_interval" yaml:"min_request_interval" json:"min_request_interval" validate:"gte=0s"`
	// RequestTimeout bounds a single HTTP attempt
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout" validate:"gt=0s"`
}

// ReliabilityConfig contains retry settings
type ReliabilityConfig struct {
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts" validate:"gte=1,lte=20"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay" validate:"gte=0s"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay" validate:"gte=0s"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier" yaml:"retry_multiplier" json:"retry_multiplier" validate:"gte=1"`
	RetryJitter     float64       `mapstructure:"retry_jitter" yaml:"retry_jitter" json:"retry_jitter" validate:"gte=0,lt=1"`
}

// PollingConfig contains defaults for synchronous stages
type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval" validate:"gt=0s"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// PipelineConfig contains asset pipeline settings
type PipelineConfig struct {
	// MaxConcurrency bounds how many asset chains run at once
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency" json:"max_concurrency" validate:"gte=1,lte=64"`
	// Formats downloaded for every finished asset unless the manifest says otherwise
	Formats []string `mapstructure:"formats" yaml:"formats" json:"formats" validate:"dive,oneof=glb fbx obj usdz mtl"`
}

// StorageConfig selects and configures the asset sink
type StorageConfig struct {
	Kind            string `mapstructure:"kind" yaml:"kind" json:"kind" validate:"oneof=local s3 gcs"`
	Dir             string `mapstructure:"dir" yaml:"dir" json:"dir"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	Region          string `mapstructure:"region" yaml:"region" json:"region"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file" json:"credentials_file"`
	// Compress wraps the sink with compression
	Compress bool `mapstructure:"compress" yaml:"compress" json:"compress"`
	// Codec picks the compression algorithm: zstd (default) or lz4
	Codec string `mapstructure:"codec" yaml:"codec" json:"codec" validate:"omitempty,oneof=zstd lz4"`
}

// CatalogConfig selects the task catalog
type CatalogConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind" validate:"oneof=memory postgres mysql mongo"`
	// DSN is a postgres or mysql connection string, or a mongodb:// URI
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"-" validate:"required_unless=Kind memory"`
	// Database names the MongoDB database; defaults to vendorflow
	Database string `mapstructure:"database" yaml:"database" json:"database"`
}

// ObservabilityConfig contains logging, tracing and metrics settings
type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	LogEncoding string `mapstructure:"log_encoding" yaml:"log_encoding" json:"log_encoding" validate:"oneof=json console"`
	Tracing     bool   `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	// MetricsAddr serves /metrics when non-empty, e.g. ":9090"
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
}

// DefaultMeshyBaseURL is the Meshy OpenAPI root
const DefaultMeshyBaseURL = "https://api.meshy.ai/openapi"

// NewConfig returns a configuration populated with defaults
func NewConfig() *Config {
	return &Config{
		Meshy: MeshyConfig{
			BaseURL:            DefaultMeshyBaseURL,
			MinRequestInterval: 0,
			RequestTimeout:     300 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   5,
			RetryDelay:      2 * time.Second,
			MaxRetryDelay:   30 * time.Second,
			RetryMultiplier: 2.0,
		},
		Polling: PollingConfig{
			Interval: 5 * time.Second,
			Timeout:  600 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxConcurrency: 4,
			Formats:        []string{"glb"},
		},
		Storage: StorageConfig{
			Kind:  "local",
			Dir:   "./assets",
			Codec: "zstd",
		},
		Catalog: CatalogConfig{
			Kind:     "memory",
			Database: "vendorflow",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
			ServiceName: "vendorflow",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return err
	}

	switch c.Storage.Kind {
	case "local":
		if c.Storage.Dir == "" {
			return errors.New(errors.ErrorTypeConfig, "storage.dir is required for local storage")
		}
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			return errors.Newf(errors.ErrorTypeConfig, "storage.bucket is required for %s storage", c.Storage.Kind)
		}
	}

	if c.Reliability.MaxRetryDelay > 0 && c.Reliability.MaxRetryDelay < c.Reliability.RetryDelay {
		return errors.New(errors.ErrorTypeConfig, "reliability.max_retry_delay must not be below reliability.retry_delay")
	}

	return nil
}

// HasAPIKey reports whether a Meshy API key is configured
func (m *MeshyConfig) HasAPIKey() bool {
	return m.APIKey != ""
}

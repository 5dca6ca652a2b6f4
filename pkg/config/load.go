package config

import (
	stderrors "errors"
	"strings"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. VENDORFLOW_POLLING_TIMEOUT
const EnvPrefix = "VENDORFLOW"

// LoadConfig builds the configuration from defaults, an optional YAML file and
// the environment, in increasing order of precedence. With an empty path the
// file vendorflow.yaml is looked up in the working directory and in
// $HOME/.vendorflow; a missing file is not an error. The API key may also come
// from MESHY_API_KEY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewConfig())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vendorflow")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.vendorflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("meshy.api_key", EnvPrefix+"_MESHY_API_KEY", "MESHY_API_KEY"); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind MESHY_API_KEY")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to unmarshal configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "configuration validation failed")
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("meshy.api_key", d.Meshy.APIKey)
	v.SetDefault("meshy.base_url", d.Meshy.BaseURL)
	v.SetDefault("meshy.min_request_interval", d.Meshy.MinRequestInterval)
	v.SetDefault("meshy.request_timeout", d.Meshy.RequestTimeout)

	v.SetDefault("reliability.retry_attempts", d.Reliability.RetryAttempts)
	v.SetDefault("reliability.retry_delay", d.Reliability.RetryDelay)
	v.SetDefault("reliability.max_retry_delay", d.Reliability.MaxRetryDelay)
	v.SetDefault("reliability.retry_multiplier", d.Reliability.RetryMultiplier)
	v.SetDefault("reliability.retry_jitter", d.Reliability.RetryJitter)

	v.SetDefault("polling.interval", d.Polling.Interval)
	v.SetDefault("polling.timeout", d.Polling.Timeout)

	v.SetDefault("pipeline.max_concurrency", d.Pipeline.MaxConcurrency)
	v.SetDefault("pipeline.formats", d.Pipeline.Formats)

	v.SetDefault("storage.kind", d.Storage.Kind)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.credentials_file", d.Storage.CredentialsFile)
	v.SetDefault("storage.compress", d.Storage.Compress)
	v.SetDefault("storage.codec", d.Storage.Codec)

	v.SetDefault("catalog.kind", d.Catalog.Kind)
	v.SetDefault("catalog.dsn", d.Catalog.DSN)
	v.SetDefault("catalog.database", d.Catalog.Database)

	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", d.Observability.LogEncoding)
	v.SetDefault("observability.tracing", d.Observability.Tracing)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
}

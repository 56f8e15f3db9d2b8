package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APQGATE_"

// envOverrides holds raw env values. Pointer fields stay nil when the variable
// is unset so an explicit false or zero can still override the file.
type envOverrides struct {
	ServerAddress     string   `env:"SERVER_ADDRESS"`
	ServerPath        string   `env:"SERVER_PATH"`
	ServerProtocol    string   `env:"SERVER_PROTOCOL"`
	AdminEnabled      *bool    `env:"ADMIN_ENABLED"`
	AdminAddress      string   `env:"ADMIN_ADDRESS"`
	APQStrategies     []string `env:"APQ_STRATEGIES" envSeparator:","`
	APQStore          string   `env:"APQ_STORE"`
	APQCapacity       *int     `env:"APQ_CAPACITY"`
	APQTTL            string   `env:"APQ_TTL"`
	AllowListManifest string   `env:"APQ_ALLOWLIST_MANIFEST"`
	CacheEnabled      *bool    `env:"CACHE_ENABLED"`
	CacheBackend      string   `env:"CACHE_BACKEND"`
	CacheMaxSize      string   `env:"CACHE_MAX_SIZE"`
	CacheDefaultTTL   string   `env:"CACHE_DEFAULT_TTL"`
	CacheMode         string   `env:"CACHE_MODE"`
	RedisAddress      string   `env:"REDIS_ADDRESS"`
	RedisPassword     string   `env:"REDIS_PASSWORD"`
	RedisDB           *int     `env:"REDIS_DB"`
	MetricsEnabled    *bool    `env:"METRICS_ENABLED"`
	TracingEnabled    *bool    `env:"TRACING_ENABLED"`
	TracingEndpoint   string   `env:"TRACING_ENDPOINT"`
	TracingSampleRate *float64 `env:"TRACING_SAMPLE_RATE"`
}

// ApplyEnv overrides cfg with APQGATE_* environment variables.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&cfg.Server.Address, o.ServerAddress)
	setString(&cfg.Server.Path, o.ServerPath)
	setString(&cfg.Server.Protocol, o.ServerProtocol)
	setPtr(&cfg.Admin.Enabled, o.AdminEnabled)
	setString(&cfg.Admin.Address, o.AdminAddress)
	if o.APQStrategies != nil {
		cfg.APQ.Strategies = o.APQStrategies
	}
	setString(&cfg.APQ.Store, o.APQStore)
	setPtr(&cfg.APQ.Capacity, o.APQCapacity)
	setString(&cfg.APQ.TTL, o.APQTTL)
	setString(&cfg.APQ.AllowListManifest, o.AllowListManifest)
	setPtr(&cfg.Cache.Enabled, o.CacheEnabled)
	setString(&cfg.Cache.Backend, o.CacheBackend)
	setString(&cfg.Cache.MaxSize, o.CacheMaxSize)
	setString(&cfg.Cache.DefaultTTL, o.CacheDefaultTTL)
	setString(&cfg.Cache.Mode, o.CacheMode)
	setString(&cfg.Redis.Address, o.RedisAddress)
	setString(&cfg.Redis.Password, o.RedisPassword)
	setPtr(&cfg.Redis.DB, o.RedisDB)
	setPtr(&cfg.Metrics.Enabled, o.MetricsEnabled)
	setPtr(&cfg.Tracing.Enabled, o.TracingEnabled)
	setString(&cfg.Tracing.Endpoint, o.TracingEndpoint)
	setPtr(&cfg.Tracing.SampleRate, o.TracingSampleRate)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

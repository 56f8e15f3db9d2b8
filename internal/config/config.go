// Package config provides configuration loading and hot-reload functionality.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Strategy names accepted in apq.strategies.
const (
	StrategyAutomatic = "automatic"
	StrategyAllowList = "allowlist"
)

// Backend names accepted for apq.store and cache.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete apqgate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	APQ     APQConfig     `yaml:"apq"`
	Cache   CacheConfig   `yaml:"cache"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Nodes   []NodeConfig  `yaml:"nodes"`
}

// ServerConfig defines the GraphQL listener.
type ServerConfig struct {
	Address          string     `yaml:"address"`
	Path             string     `yaml:"path"`
	Protocol         string     `yaml:"protocol"` // http, h2c, https
	TLS              *TLSConfig `yaml:"tls,omitempty"`
	HTTP3            bool       `yaml:"http3"`
	MaxBodySize      string     `yaml:"max_body_size"` // e.g., "1MB"
	ReadTimeout      string     `yaml:"read_timeout"`
	WriteTimeout     string     `yaml:"write_timeout"`
	IdleTimeout      string     `yaml:"idle_timeout"`
	ShutdownTimeout  string     `yaml:"shutdown_timeout"`
	ExecutionTimeout string     `yaml:"execution_timeout"`
}

// TLSConfig defines TLS settings for the https protocol.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin listener, which also serves metrics.
type AdminConfig struct {
	Enabled bool            `yaml:"enabled"`
	Address string          `yaml:"address"`
	Auth    AdminAuthConfig `yaml:"auth,omitempty"`
}

// AdminAuthConfig defines admin API authentication settings.
type AdminAuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Users   map[string]string `yaml:"users,omitempty"` // username -> bcrypt hash
	Realm   string            `yaml:"realm,omitempty"`
}

// APQConfig defines persisted query resolution.
type APQConfig struct {
	// Strategies are consulted in order. An empty list disables persisted
	// queries; a missing list means automatic only.
	Strategies []string `yaml:"strategies"`
	// Store is memory or redis.
	Store    string `yaml:"store"`
	Capacity int    `yaml:"capacity"`
	TTL      string `yaml:"ttl"`
	// AllowListManifest is the path of an Apollo persisted query manifest.
	AllowListManifest string `yaml:"allowlist_manifest,omitempty"`
}

// CacheConfig defines response caching settings.
type CacheConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Backend         string `yaml:"backend"`          // memory, redis
	MaxSize         string `yaml:"max_size"`         // e.g., "100MB", "1GB"
	DefaultTTL      string `yaml:"default_ttl"`      // e.g., "5m", "1h"
	CleanupInterval string `yaml:"cleanup_interval"` // e.g., "1m"
	ShardCount      int    `yaml:"shard_count"`
	Mode            string `yaml:"mode"` // granular, composite
	BypassHeader    string `yaml:"bypass_header"`
	FallbackOnError bool   `yaml:"fallback_on_error"`
}

// RedisConfig defines the shared Redis connection.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// MetricsConfig defines Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`     // OTLP endpoint
	ServiceName  string  `yaml:"service_name"` // Service name in traces
	SampleRate   float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure     bool    `yaml:"insecure"`
	BatchTimeout string  `yaml:"batch_timeout"`
}

// NodeConfig seeds the node repository served by the executor.
type NodeConfig struct {
	ID    int32  `yaml:"id"`
	Title string `yaml:"title"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, parses and validates the configuration at path. Environment
// overrides are applied after the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative paths resolve against the config file.
	dir := filepath.Dir(path)
	cfg.APQ.AllowListManifest = resolvePath(dir, cfg.APQ.AllowListManifest)
	if cfg.Server.TLS != nil {
		cfg.Server.TLS.CertFile = resolvePath(dir, cfg.Server.TLS.CertFile)
		cfg.Server.TLS.KeyFile = resolvePath(dir, cfg.Server.TLS.KeyFile)
	}
	return cfg, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = "/graphql"
	}
	if cfg.Server.Protocol == "" {
		cfg.Server.Protocol = "http"
	}
	if cfg.Server.MaxBodySize == "" {
		cfg.Server.MaxBodySize = "1MB"
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = ":9091"
	}
	if cfg.APQ.Strategies == nil {
		cfg.APQ.Strategies = []string{StrategyAutomatic}
	}
	if cfg.APQ.Store == "" {
		cfg.APQ.Store = BackendMemory
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = BackendMemory
	}
	if cfg.Cache.Mode == "" {
		cfg.Cache.Mode = "granular"
	}
	if cfg.Cache.BypassHeader == "" {
		cfg.Cache.BypassHeader = "X-Cache-Bypass"
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "apqgate"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
}

// Validate checks configuration validity.
func Validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server: address is required")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server: path %q must start with /", cfg.Server.Path)
	}
	switch cfg.Server.Protocol {
	case "http", "h2c":
		if cfg.Server.HTTP3 {
			return fmt.Errorf("server: http3 requires the https protocol")
		}
	case "https":
		if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: https requires tls.cert_file and tls.key_file")
		}
	default:
		return fmt.Errorf("server: unknown protocol %q", cfg.Server.Protocol)
	}

	if cfg.Admin.Auth.Enabled && len(cfg.Admin.Auth.Users) == 0 {
		return fmt.Errorf("admin: auth enabled without users")
	}

	seen := make(map[string]bool)
	for i, s := range cfg.APQ.Strategies {
		switch s {
		case StrategyAutomatic:
		case StrategyAllowList:
			if cfg.APQ.AllowListManifest == "" {
				return fmt.Errorf("apq: strategy %q requires allowlist_manifest", s)
			}
		default:
			return fmt.Errorf("apq: strategies[%d]: unknown strategy %q", i, s)
		}
		if seen[s] {
			return fmt.Errorf("apq: strategy %q listed twice", s)
		}
		seen[s] = true
	}
	if cfg.APQ.Capacity < 0 {
		return fmt.Errorf("apq: capacity must not be negative")
	}

	if !validBackend(cfg.APQ.Store) {
		return fmt.Errorf("apq: unknown store %q", cfg.APQ.Store)
	}
	if !validBackend(cfg.Cache.Backend) {
		return fmt.Errorf("cache: unknown backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Mode != "granular" && cfg.Cache.Mode != "composite" {
		return fmt.Errorf("cache: unknown mode %q", cfg.Cache.Mode)
	}
	if cfg.Cache.ShardCount < 0 {
		return fmt.Errorf("cache: shard_count must not be negative")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}

	ids := make(map[int32]bool, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate id %d", i, n.ID)
		}
		ids[n.ID] = true
	}
	return nil
}

func validBackend(s string) bool {
	return s == BackendMemory || s == BackendRedis
}

// UsesRedis reports whether any component needs the Redis connection.
func (c *Config) UsesRedis() bool {
	return c.APQ.Store == BackendRedis || (c.Cache.Enabled && c.Cache.Backend == BackendRedis)
}

// HasStrategy reports whether name is in apq.strategies.
func (c *Config) HasStrategy(name string) bool {
	return slices.Contains(c.APQ.Strategies, name)
}

// Manager handles configuration loading and hot-reload.
type Manager struct {
	configPath string
	config     *Config
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	logger     *slog.Logger
	mu         sync.RWMutex
	stopCh     chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a new configuration manager.
func NewManager(configPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	cm := &Manager{
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		callbacks:  make([]func(*Config), 0),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	if err := cm.load(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("loading initial config: %w", err)
	}

	if err := watcher.Add(filepath.Dir(cm.configPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}
	if manifest := cm.config.APQ.AllowListManifest; manifest != "" {
		if dir := filepath.Dir(manifest); dir != filepath.Dir(cm.configPath) {
			if err := watcher.Add(dir); err != nil {
				logger.Warn("cannot watch allow-list manifest", "path", manifest, "error", err)
			}
		}
	}

	go cm.watchChanges()

	return cm, nil
}

// load reads and parses the configuration file.
func (m *Manager) load() error {
	cfg, err := Load(m.configPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	return nil
}

// watchChanges monitors the config file and any allow-list manifest for
// changes.
func (m *Manager) watchChanges() {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()

	for {
		select {
		case <-m.stopCh:
			debounce.Stop()
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !m.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(100 * time.Millisecond)
			}
		case <-debounce.C:
			if err := m.load(); err != nil {
				m.logger.Error("config reload failed, keeping previous config", "path", m.configPath, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", m.configPath)
			m.notifyCallbacks()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) relevant(name string) bool {
	name = filepath.Clean(name)
	if name == m.configPath {
		return true
	}
	m.mu.RLock()
	manifest := m.config.APQ.AllowListManifest
	m.mu.RUnlock()
	return manifest != "" && name == filepath.Clean(manifest)
}

// notifyCallbacks invokes all registered callbacks.
func (m *Manager) notifyCallbacks() {
	m.mu.RLock()
	config := m.config
	callbacks := m.callbacks
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(config)
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback for configuration changes.
func (m *Manager) OnChange(cb func(*Config)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Close stops the configuration manager.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		err = m.watcher.Close()
	})
	return err
}

// ParseDuration parses a duration string with default fallback.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// ParseSize parses a size string like "100MB", "1GB" with default fallback.
func ParseSize(s string, defaultVal int64) int64 {
	if s == "" {
		return defaultVal
	}

	s = strings.TrimSpace(strings.ToUpper(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	s = strings.TrimSpace(s)
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}

	return val * multiplier
}

// Package server wires configuration into a running apqgate instance.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moronhi-ecddigital/graphql/internal/admin"
	"github.com/moronhi-ecddigital/graphql/internal/apq"
	"github.com/moronhi-ecddigital/graphql/internal/cache"
	"github.com/moronhi-ecddigital/graphql/internal/cachekey"
	"github.com/moronhi-ecddigital/graphql/internal/config"
	"github.com/moronhi-ecddigital/graphql/internal/executor"
	"github.com/moronhi-ecddigital/graphql/internal/graphql"
	"github.com/moronhi-ecddigital/graphql/internal/listener"
	"github.com/moronhi-ecddigital/graphql/internal/metrics"
	"github.com/moronhi-ecddigital/graphql/internal/middleware"
	"github.com/moronhi-ecddigital/graphql/internal/tracing"
)

// App is a fully wired apqgate instance.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	redis     redis.UniversalClient
	ownsRedis bool

	registry  *apq.Registry
	allowList *apq.AllowList
	chain     *apq.Chain
	nodes     *executor.MemoryNodes
	memCache  *cache.Memory
	graphql   *graphql.Handler
	metrics   *metrics.Metrics
	tracing   *tracing.Provider
	admin     *admin.Server

	handler   http.Handler
	listener  *listener.Listener
	closeOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithRedisClient supplies the Redis client instead of dialing redis.address.
// The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(a *App) {
		a.redis = client
	}
}

// WithVersion sets the version reported by the admin API and traces.
func WithVersion(version string) Option {
	return func(a *App) {
		a.version = version
	}
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.UsesRedis() && a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.ownsRedis = true
	}

	var store apq.Store
	switch cfg.APQ.Store {
	case config.BackendRedis:
		store = apq.NewRedisStore(a.redis, apq.RedisStoreConfig{
			TTL: config.ParseDuration(cfg.APQ.TTL, 0),
		})
	default:
		store = apq.NewMemoryStore(apq.MemoryStoreConfig{
			Capacity: cfg.APQ.Capacity,
			TTL:      config.ParseDuration(cfg.APQ.TTL, 0),
		})
	}
	a.registry = apq.NewRegistry(store, apq.WithLogger(a.logger))
	a.allowList = apq.NewAllowList()
	a.chain = apq.NewChain()
	if err := a.configureStrategies(cfg); err != nil {
		a.closeRedis()
		return nil, err
	}

	a.nodes = executor.NewMemoryNodes(nodesFromConfig(cfg.Nodes)...)
	exec, err := executor.New(a.nodes, a.logger)
	if err != nil {
		a.closeRedis()
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	mode, err := cachekey.ParseMode(cfg.Cache.Mode)
	if err != nil {
		a.closeRedis()
		return nil, err
	}

	var responses cache.Store
	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case config.BackendRedis:
			responses = cache.NewRedis(a.redis, cache.RedisConfig{
				DefaultTTL:      config.ParseDuration(cfg.Cache.DefaultTTL, 5*time.Minute),
				FallbackOnError: cfg.Cache.FallbackOnError,
			})
		default:
			a.memCache = cache.New(cache.Config{
				MaxSize:         config.ParseSize(cfg.Cache.MaxSize, 64*1024*1024),
				DefaultTTL:      config.ParseDuration(cfg.Cache.DefaultTTL, 5*time.Minute),
				ShardCount:      cfg.Cache.ShardCount,
				CleanupInterval: config.ParseDuration(cfg.Cache.CleanupInterval, time.Minute),
			})
			responses = a.memCache
		}
	}

	a.tracing, err = tracing.NewProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: a.version,
		SampleRate:     cfg.Tracing.SampleRate,
		BatchTimeout:   config.ParseDuration(cfg.Tracing.BatchTimeout, 5*time.Second),
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	var recorder graphql.Recorder
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		gauges := []struct {
			name, help string
			fn         func() float64
		}{
			{"apq_registry_size", "Persisted queries held by the registry", func() float64 {
				n, err := a.registry.Len(context.Background())
				if err != nil {
					return 0
				}
				return float64(n)
			}},
			{"apq_allowlist_size", "Operations in the allow-list manifest", func() float64 {
				return float64(a.allowList.Len())
			}},
		}
		for _, g := range gauges {
			if err := a.metrics.RegisterGauge(g.name, g.help, g.fn); err != nil {
				a.logger.Warn("registering gauge", "name", g.name, "error", err)
			}
		}
		recorder = a.metrics
	}

	a.graphql = graphql.NewHandler(graphql.HandlerConfig{
		Chain:            a.chain,
		Executor:         exec,
		Deriver:          cachekey.Deriver{Mode: mode},
		Cache:            responses,
		CacheTTL:         config.ParseDuration(cfg.Cache.DefaultTTL, 5*time.Minute),
		BypassHeader:     cfg.Cache.BypassHeader,
		MaxBodySize:      config.ParseSize(cfg.Server.MaxBodySize, 1<<20),
		ExecutionTimeout: config.ParseDuration(cfg.Server.ExecutionTimeout, 30*time.Second),
		Recorder:         recorder,
		Tracer:           a.tracing.Tracer(),
		Logger:           a.logger,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, a.graphql)
	a.handler = middleware.Chain(mux,
		middleware.Recovery(a.logger),
		middleware.RequestID(),
		a.tracing.Middleware(),
		middleware.AccessLog(middleware.AccessLogConfig{
			Logger:      a.logger,
			LogHeaders:  []string{"User-Agent"},
			MaskHeaders: []string{"Authorization", "Cookie"},
			CacheHeader: "X-Cache",
		}),
	)

	adminCfg := admin.Config{
		Auth: admin.AuthConfig{
			Enabled: cfg.Admin.Auth.Enabled,
			Users:   cfg.Admin.Auth.Users,
			Realm:   cfg.Admin.Auth.Realm,
		},
		GraphQL: graphql.NewAdminHandler(a.graphql, a.logger),
		Ready:   a.ready,
		Version: a.version,
		Logger:  a.logger,
	}
	if a.metrics != nil {
		adminCfg.Metrics = a.metrics.Handler()
		adminCfg.MetricsPath = cfg.Metrics.Path
	}
	a.admin = admin.NewServer(adminCfg)

	lcfg := listener.Config{
		Protocol:     listener.Protocol(cfg.Server.Protocol),
		HTTP3:        cfg.Server.HTTP3,
		ReadTimeout:  config.ParseDuration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout: config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second),
		IdleTimeout:  config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second),
		Logger:       a.logger,
	}
	if cfg.Server.TLS != nil {
		lcfg.CertFile = cfg.Server.TLS.CertFile
		lcfg.KeyFile = cfg.Server.TLS.KeyFile
	}
	a.listener, err = listener.New(lcfg, a.handler)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	return a, nil
}

func nodesFromConfig(nodes []config.NodeConfig) []executor.Node {
	out := make([]executor.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, executor.Node{ID: n.ID, Title: n.Title})
	}
	return out
}

// configureStrategies loads the allow-list manifest and rebuilds the chain in
// the configured order.
func (a *App) configureStrategies(cfg *config.Config) error {
	if cfg.HasStrategy(config.StrategyAllowList) {
		manifest, err := apq.LoadManifest(cfg.APQ.AllowListManifest)
		if err != nil {
			return fmt.Errorf("loading allow-list: %w", err)
		}
		if err := a.allowList.Replace(manifest); err != nil {
			return fmt.Errorf("loading allow-list: %w", err)
		}
	}

	strategies := make([]apq.Strategy, 0, len(cfg.APQ.Strategies))
	for _, name := range cfg.APQ.Strategies {
		switch name {
		case config.StrategyAutomatic:
			strategies = append(strategies, apq.NewAutomatic(a.registry))
		case config.StrategyAllowList:
			strategies = append(strategies, a.allowList)
		}
	}
	a.chain.Replace(strategies...)
	return nil
}

// Handler returns the GraphQL endpoint with its middleware.
func (a *App) Handler() http.Handler {
	return a.handler
}

// AdminHandler returns the admin routes.
func (a *App) AdminHandler() http.Handler {
	return a.admin.Handler()
}

// GraphQL returns the GraphQL handler.
func (a *App) GraphQL() *graphql.Handler {
	return a.graphql
}

// Reload applies the parts of cfg that can change at runtime: strategies, the
// allow-list manifest and the node set. The response cache is purged since it
// holds results of the old nodes. Store and listener changes need a restart.
func (a *App) Reload(cfg *config.Config) {
	a.logger.Info("reloading configuration")

	if cfg.APQ.Store != a.cfg.APQ.Store || cfg.Cache.Backend != a.cfg.Cache.Backend || cfg.Cache.Enabled != a.cfg.Cache.Enabled {
		a.logger.Warn("storage settings changed, restart to apply")
	}
	if cfg.Server.Address != a.cfg.Server.Address || cfg.Admin.Address != a.cfg.Admin.Address {
		a.logger.Warn("listener addresses changed, restart to apply")
	}

	if err := a.configureStrategies(cfg); err != nil {
		a.logger.Error("reloading persisted query strategies", "error", err)
		return
	}
	a.nodes.Replace(nodesFromConfig(cfg.Nodes))

	// Cached responses were rendered from the previous node data.
	if c := a.graphql.Cache(); c != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n, err := c.Purge(ctx)
		cancel()
		if err != nil {
			a.logger.Error("purging response cache after reload", "error", err)
		} else {
			a.logger.Info("response cache purged", "entries", n)
		}
	}

	a.logger.Info("configuration reloaded successfully",
		"strategies", cfg.APQ.Strategies,
		"allowlist", a.allowList.Len(),
		"nodes", a.nodes.Len(),
	)
}

func (a *App) ready(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Serve accepts GraphQL connections on l and, when adminL is not nil, admin
// connections on adminL. It returns when ctx is done or a listener fails,
// after shutting both servers down.
func (a *App) Serve(ctx context.Context, l, adminL net.Listener) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("serving graphql",
			"address", l.Addr().String(),
			"path", a.cfg.Server.Path,
			"protocol", a.listener.Protocol(),
		)
		if err := a.listener.Serve(l); err != nil {
			errCh <- fmt.Errorf("graphql listener: %w", err)
		}
	}()

	if adminL != nil {
		go func() {
			a.logger.Info("serving admin", "address", adminL.Addr().String())
			if err := a.admin.Serve(adminL); err != nil {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		a.logger.Error("listener failed", "error", serveErr)
	}

	timeout := config.ParseDuration(a.cfg.Server.ShutdownTimeout, 15*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	return errors.Join(serveErr, a.shutdown(shutdownCtx))
}

// shutdown performs graceful shutdown.
func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down apqgate")

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.listener.Shutdown(ctx); err != nil {
			errCh <- fmt.Errorf("graphql server shutdown: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.admin.Shutdown(ctx); err != nil {
			errCh <- fmt.Errorf("admin server shutdown: %w", err)
		}
	}()

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		a.logger.Error("shutdown error", "error", err)
		errs = append(errs, err)
	}

	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("apqgate shutdown complete")
	return errors.Join(errs...)
}

// Close releases background resources: the cache janitor, the trace exporter
// and a Redis client dialed by New.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.tracing != nil {
			if terr := a.tracing.Shutdown(ctx); terr != nil {
				err = errors.Join(err, fmt.Errorf("tracing shutdown: %w", terr))
			}
		}
		err = errors.Join(err, a.closeRedis())
	})
	return err
}

func (a *App) closeRedis() error {
	if a.ownsRedis && a.redis != nil {
		a.ownsRedis = false
		return a.redis.Close()
	}
	return nil
}

// Run loads configPath, serves until ctx is done and hot-reloads the
// configuration file and allow-list manifest on change.
func Run(ctx context.Context, configPath string, logger *slog.Logger, version string) error {
	logger.Info("starting apqgate", "config", configPath, "version", version)

	cfgManager, err := config.NewManager(configPath, logger)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()

	app, err := New(ctx, cfg, WithLogger(logger), WithVersion(version))
	if err != nil {
		return err
	}

	cfgManager.OnChange(app.Reload)

	l, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		app.Close(ctx)
		return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
	}

	var adminL net.Listener
	if cfg.Admin.Enabled {
		adminL, err = net.Listen("tcp", cfg.Admin.Address)
		if err != nil {
			l.Close()
			app.Close(ctx)
			return fmt.Errorf("listening on %s: %w", cfg.Admin.Address, err)
		}
	}

	return app.Serve(ctx, l, adminL)
}

package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moronhi-ecddigital/graphql/internal/apq"
	"github.com/moronhi-ecddigital/graphql/internal/cache"
	"github.com/moronhi-ecddigital/graphql/internal/cachekey"
	"github.com/moronhi-ecddigital/graphql/internal/coalesce"
)

// Persisted query lookup results.
const (
	LookupNone       = "none"
	LookupHit        = "hit"
	LookupMiss       = "miss"
	LookupRegistered = "registered"
	LookupError      = "error"
)

// Values of the X-Cache response header.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Recorder receives per-request measurements.
type Recorder interface {
	RecordRequest(method string, status int, duration time.Duration)
	RecordLookup(result string)
	RecordCache(status string)
	RecordExecution(duration time.Duration, failed bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, int, time.Duration) {}
func (nopRecorder) RecordLookup(string)                      {}
func (nopRecorder) RecordCache(string)                       {}
func (nopRecorder) RecordExecution(time.Duration, bool)      {}

// HandlerConfig configures the GraphQL handler.
type HandlerConfig struct {
	// Chain resolves persisted queries. Required.
	Chain *apq.Chain
	// Executor runs resolved documents. Required.
	Executor Executor
	// Deriver computes response cache keys.
	Deriver cachekey.Deriver
	// Cache stores responses. Nil disables response caching.
	Cache cache.Store
	// CacheTTL is how long responses are cached (default: 5 minutes).
	CacheTTL time.Duration
	// BypassHeader skips the response cache when present (default: X-Cache-Bypass).
	BypassHeader string
	// MaxBodySize limits POST bodies (default: 1MB).
	MaxBodySize int64
	// ExecutionTimeout bounds one execution (default: 30s).
	ExecutionTimeout time.Duration
	// Recorder receives metrics. Nil records nothing.
	Recorder Recorder
	// Tracer creates spans. Nil uses the global provider.
	Tracer trace.Tracer
	// Logger for handler events.
	Logger *slog.Logger
}

// Handler serves GraphQL over HTTP with persisted queries and response
// caching.
type Handler struct {
	chain        *apq.Chain
	executor     Executor
	deriver      cachekey.Deriver
	cache        cache.Store
	cacheTTL     time.Duration
	bypassHeader string
	maxBodySize  int64
	flights      *coalesce.Group[*Response]
	recorder     Recorder
	tracer       trace.Tracer
	stats        *StatsCollector
	logger       *slog.Logger
}

// NewHandler creates a GraphQL HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Chain == nil {
		cfg.Chain = apq.NewChain()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.BypassHeader == "" {
		cfg.BypassHeader = "X-Cache-Bypass"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/moronhi-ecddigital/graphql/internal/graphql")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Handler{
		chain:        cfg.Chain,
		executor:     cfg.Executor,
		deriver:      cfg.Deriver,
		cache:        cfg.Cache,
		cacheTTL:     cfg.CacheTTL,
		bypassHeader: cfg.BypassHeader,
		maxBodySize:  cfg.MaxBodySize,
		flights:      coalesce.New[*Response](coalesce.Config{Timeout: cfg.ExecutionTimeout, Logger: cfg.Logger}),
		recorder:     cfg.Recorder,
		tracer:       cfg.Tracer,
		stats:        NewStatsCollector(),
		logger:       cfg.Logger,
	}
}

// Chain returns the strategy chain of the endpoint.
func (h *Handler) Chain() *apq.Chain {
	return h.chain
}

// Cache returns the response cache, nil when caching is off.
func (h *Handler) Cache() cache.Store {
	return h.cache
}

// GetStats returns handler statistics.
func (h *Handler) GetStats() Stats {
	return h.stats.GetStats()
}

// statusWriter remembers the status for the request metric.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ServeHTTP handles GraphQL HTTP requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.stats.recordRequest()

	h.serve(sw, r)

	h.recorder.RecordRequest(r.Method, sw.status, time.Since(start))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := ParseHTTPRequest(r, h.maxBodySize)
	if err != nil {
		if errors.Is(err, ErrMethodNotAllowed) {
			w.Header().Set("Allow", "GET, POST")
		}
		h.fail(ctx, w, err)
		return
	}

	// A full query is parsed before resolution so that unparseable documents
	// are never registered.
	var (
		op       Operation
		analyzed bool
	)
	if req.Query != "" {
		if op, err = AnalyzeOperation(req.Query, req.OperationName); err != nil {
			h.fail(ctx, w, err)
			return
		}
		analyzed = true
	}

	doc, err := h.resolve(ctx, req)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	if !analyzed {
		if op, err = AnalyzeOperation(doc.Body, req.OperationName); err != nil {
			h.fail(ctx, w, err)
			return
		}
	}
	h.stats.recordOperation(op.Kind)

	key, err := h.derive(ctx, doc, req)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	exec := ExecRequest{
		Query:         doc.Body,
		OperationName: req.OperationName,
		Variables:     req.Variables,
	}

	if h.cache == nil {
		resp, err := h.execute(ctx, exec)
		if err != nil {
			h.failExecution(ctx, w, err)
			return
		}
		writeResponse(w, http.StatusOK, resp)
		return
	}

	ttl, skip := cache.RequestTTL(r.Header.Get("Cache-Control"), h.cacheTTL)
	if !op.Cacheable() || skip || r.Header.Get(h.bypassHeader) != "" {
		h.recordCache(CacheBypass)
		resp, err := h.execute(ctx, exec)
		if err != nil {
			h.failExecution(ctx, w, err)
			return
		}
		w.Header().Set("X-Cache", CacheBypass)
		writeResponse(w, http.StatusOK, resp)
		return
	}

	storageKey := key.Key()
	if entry, ok := h.cache.Get(ctx, storageKey); ok {
		h.recordCache(CacheHit)
		w.Header().Set("X-Cache", CacheHit)
		writeJSON(w, http.StatusOK, entry.Body)
		return
	}
	h.recordCache(CacheMiss)

	resp, _, err := h.flights.Do(ctx, storageKey, func(ctx context.Context) (*Response, error) {
		return h.execute(ctx, exec)
	})
	if err != nil {
		h.failExecution(ctx, w, err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	if len(resp.Errors) == 0 {
		entry := &cache.Entry{Body: body, Tokens: entryTokens(key, doc.Hash)}
		if err := h.cache.Set(ctx, storageKey, entry, ttl); err != nil {
			h.logger.Warn("failed to cache response", "key", storageKey, "error", err)
		}
	}

	w.Header().Set("X-Cache", CacheMiss)
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) derive(ctx context.Context, doc apq.QueryDocument, req *Request) (cachekey.Context, error) {
	_, span := h.tracer.Start(ctx, "cachekey.derive",
		trace.WithAttributes(attribute.String("apq.hash", doc.Hash)),
	)
	defer span.End()

	key, err := h.deriver.Derive(doc, req.Variables, req.OperationName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return key, err
	}
	span.SetAttributes(attribute.Int("cachekey.tokens", key.Len()))
	return key, nil
}

// entryTokens tags a cached response with its context tokens and always with
// the query hash, so PurgeQuery finds it in composite mode too.
func entryTokens(key cachekey.Context, hash string) []string {
	tokens := key.Strings()
	if !key.Has(cachekey.PrefixQuery + hash) {
		tokens = append(tokens, cachekey.PrefixQuery+hash)
	}
	return tokens
}

// PurgeQuery drops every cached response of the query with hash.
func (h *Handler) PurgeQuery(ctx context.Context, hash string) (int, error) {
	if h.cache == nil {
		return 0, nil
	}
	return h.cache.PurgeToken(ctx, cachekey.PrefixQuery+hash)
}

// resolve runs the strategy chain and records the lookup result.
func (h *Handler) resolve(ctx context.Context, req *Request) (apq.QueryDocument, error) {
	lookup := req.Lookup()

	ctx, span := h.tracer.Start(ctx, "apq.resolve",
		trace.WithAttributes(attribute.String("apq.hash", lookup.Hash)),
	)
	defer span.End()

	doc, err := h.chain.Resolve(ctx, lookup)

	var result string
	switch {
	case errors.Is(err, apq.ErrPersistedQueryNotFound):
		result = LookupMiss
	case err != nil:
		result = LookupError
	case lookup.Hash == "":
		result = LookupNone
	case lookup.Query != "":
		result = LookupRegistered
	default:
		result = LookupHit
	}
	span.SetAttributes(attribute.String("apq.result", result))
	h.stats.recordLookup(result)
	h.recorder.RecordLookup(result)

	if err != nil && result == LookupError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return doc, err
}

func (h *Handler) execute(ctx context.Context, req ExecRequest) (*Response, error) {
	ctx, span := h.tracer.Start(ctx, "graphql.execute",
		trace.WithAttributes(attribute.String("graphql.operation.name", req.OperationName)),
	)
	defer span.End()

	start := time.Now()
	resp, err := h.executor.Execute(ctx, req)
	h.stats.recordExecution()
	h.recorder.RecordExecution(time.Since(start), err != nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		resp = &Response{}
	}
	return resp, nil
}

func (h *Handler) recordCache(status string) {
	h.stats.recordCache(status)
	h.recorder.RecordCache(status)
}

// fail writes err as a GraphQL error response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.stats.recordError()
		h.logger.ErrorContext(ctx, "graphql request failed", "code", code, "error", err)
	} else {
		h.logger.DebugContext(ctx, "graphql request rejected", "code", code, "error", err)
	}
	writeResponse(w, status, NewErrorResponse(messageFor(err, code), code))
}

func (h *Handler) failExecution(ctx context.Context, w http.ResponseWriter, err error) {
	h.stats.recordError()
	h.logger.ErrorContext(ctx, "graphql execution failed", "error", err)
	writeResponse(w, http.StatusBadGateway, NewErrorResponse("execution failed", CodeExecutionFailed))
}

package apq

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Registry maps query hashes to query bodies.
type Registry struct {
	store  Store
	digest DigestFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDigest replaces the SHA-256 digest.
func WithDigest(fn DigestFunc) Option {
	return func(r *Registry) {
		r.digest = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock sets the clock used for RegisteredAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry on store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		digest: Digest,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the document registered under hash.
func (r *Registry) Resolve(ctx context.Context, hash string) (QueryDocument, error) {
	e, ok, err := r.store.Load(ctx, hash)
	if err != nil {
		return QueryDocument{}, fmt.Errorf("loading persisted query %s: %w", hash, err)
	}
	if !ok {
		return QueryDocument{}, ErrPersistedQueryNotFound
	}
	return e.Document(), nil
}

// Register stores body under its digest. Registering the same body again
// returns the stored entry; a different body under an existing digest fails
// with ErrHashCollision and leaves the stored entry untouched.
func (r *Registry) Register(ctx context.Context, body string) (QueryDocument, error) {
	hash := r.digest(body)

	stored, inserted, err := r.store.PutIfAbsent(ctx, Entry{
		Hash:         hash,
		Body:         body,
		RegisteredAt: r.now(),
	})
	if err != nil {
		return QueryDocument{}, fmt.Errorf("storing persisted query %s: %w", hash, err)
	}

	if stored.Body != body {
		r.logger.Error("persisted query hash collision",
			"hash", hash,
			"registered_at", stored.RegisteredAt,
		)
		return QueryDocument{}, fmt.Errorf("%w: %s", ErrHashCollision, hash)
	}

	if inserted {
		r.logger.Debug("registered persisted query", "hash", hash)
	}
	return stored.Document(), nil
}

// ResolveOrRegister runs the automatic persisted query protocol for l.
func (r *Registry) ResolveOrRegister(ctx context.Context, l Lookup) (QueryDocument, error) {
	l = l.normalize()
	if err := l.validate(); err != nil {
		return QueryDocument{}, err
	}

	switch {
	case l.Hash != "" && l.Query == "":
		return r.Resolve(ctx, l.Hash)

	case l.Hash != "":
		if r.digest(l.Query) != l.Hash {
			return QueryDocument{}, ErrPersistedQueryHashMismatch
		}
		return r.Register(ctx, l.Query)

	case l.Query != "":
		return QueryDocument{Hash: r.digest(l.Query), Body: l.Query}, nil

	default:
		return QueryDocument{}, ErrMissingQuery
	}
}

// Len returns the number of registered queries.
func (r *Registry) Len(ctx context.Context) (int, error) {
	return r.store.Len(ctx)
}

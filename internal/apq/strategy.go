package apq

import (
	"context"
	"errors"
	"sync"
)

// Strategy resolves a persisted query lookup to a document. A strategy that
// does not know the hash returns ErrPersistedQueryNotFound so the chain can
// try the next one; any other error ends resolution.
type Strategy interface {
	Name() string
	ResolveOrRegister(ctx context.Context, l Lookup) (QueryDocument, error)
}

// Automatic is the automatic persisted query strategy: unknown hashes are
// registered the first time a client sends them with the full query.
type Automatic struct {
	registry *Registry
}

// NewAutomatic creates the automatic strategy on registry.
func NewAutomatic(registry *Registry) *Automatic {
	return &Automatic{registry: registry}
}

// Name returns "automatic".
func (a *Automatic) Name() string { return "automatic" }

// ResolveOrRegister delegates to the registry.
func (a *Automatic) ResolveOrRegister(ctx context.Context, l Lookup) (QueryDocument, error) {
	return a.registry.ResolveOrRegister(ctx, l)
}

// Registry returns the registry behind the strategy.
func (a *Automatic) Registry() *Registry {
	return a.registry
}

// Chain is the ordered list of strategies active on an endpoint.
type Chain struct {
	strategies []Strategy
	mu         sync.RWMutex
}

// NewChain creates a chain that tries strategies in order.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: append([]Strategy(nil), strategies...)}
}

// Add appends s to the chain.
func (c *Chain) Add(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
}

// RemoveAll empties the chain.
func (c *Chain) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = nil
}

// Replace swaps the whole chain at once, so concurrent requests never observe
// a partially built chain.
func (c *Chain) Replace(strategies ...Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append([]Strategy(nil), strategies...)
}

// Strategies returns the active strategies in order.
func (c *Chain) Strategies() []Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Strategy(nil), c.strategies...)
}

// Resolve turns l into the document to execute. Requests without a hash
// bypass the strategies and get an ephemeral document.
func (c *Chain) Resolve(ctx context.Context, l Lookup) (QueryDocument, error) {
	l = l.normalize()
	if err := l.validate(); err != nil {
		return QueryDocument{}, err
	}

	if l.Hash == "" {
		if l.Query == "" {
			return QueryDocument{}, ErrMissingQuery
		}
		return NewDocument(l.Query), nil
	}

	strategies := c.Strategies()
	if len(strategies) == 0 {
		return QueryDocument{}, ErrPersistedQueryNotSupported
	}

	for _, s := range strategies {
		doc, err := s.ResolveOrRegister(ctx, l)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrPersistedQueryNotFound) {
			return QueryDocument{}, err
		}
	}
	return QueryDocument{}, ErrPersistedQueryNotFound
}

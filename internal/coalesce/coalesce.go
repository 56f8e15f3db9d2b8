// Package coalesce collapses concurrent executions that share a cache key
// into a single call.
package coalesce

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config configures a Group.
type Config struct {
	// Timeout bounds one execution, independent of the callers waiting on
	// it (default: 30s).
	Timeout time.Duration
	// Logger for coalescer events.
	Logger *slog.Logger
}

// Metrics is a snapshot of coalescing statistics.
type Metrics struct {
	TotalRequests  int64 `json:"total_requests"`
	SharedRequests int64 `json:"shared_requests"`
	Executions     int64 `json:"executions"`
	ActiveFlights  int64 `json:"active_flights"`
}

// Group deduplicates concurrent calls keyed by string.
type Group[T any] struct {
	sf      singleflight.Group
	timeout time.Duration
	logger  *slog.Logger

	total      atomic.Int64
	shared     atomic.Int64
	executions atomic.Int64
	active     atomic.Int64
}

// New creates a Group.
func New[T any](cfg Config) *Group[T] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Group[T]{
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Do runs fn once for all concurrent callers with the same key. fn gets a
// context detached from any single caller, so one caller giving up does not
// fail the others; ctx only bounds how long this caller waits. shared reports
// whether the result was handed to more than one caller.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	g.total.Add(1)

	ch := g.sf.DoChan(key, func() (result any, err error) {
		g.executions.Add(1)
		g.active.Add(1)
		start := time.Now()
		defer func() {
			g.active.Add(-1)
			if r := recover(); r != nil {
				err = fmt.Errorf("coalesced call panicked: %v", r)
			}
			g.logger.Debug("flight completed", "key", key, "duration", time.Since(start))
		}()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.shared.Add(1)
		}
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// GetMetrics returns current metrics.
func (g *Group[T]) GetMetrics() Metrics {
	return Metrics{
		TotalRequests:  g.total.Load(),
		SharedRequests: g.shared.Load(),
		Executions:     g.executions.Load(),
		ActiveFlights:  g.active.Load(),
	}
}

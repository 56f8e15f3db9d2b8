package graphql

import (
	"sync"
	"sync/atomic"
)

// Stats contains endpoint statistics.
type Stats struct {
	TotalRequests   int64            `json:"total_requests"`
	TotalErrors     int64            `json:"total_errors"`
	APQHits         int64            `json:"apq_hits"`
	APQMisses       int64            `json:"apq_misses"`
	APQRegistered   int64            `json:"apq_registered"`
	CacheHits       int64            `json:"cache_hits"`
	CacheMisses     int64            `json:"cache_misses"`
	CacheBypasses   int64            `json:"cache_bypasses"`
	Executions      int64            `json:"executions"`
	OperationCounts map[string]int64 `json:"operation_counts"`
}

// StatsCollector collects endpoint statistics.
type StatsCollector struct {
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	apqHits       atomic.Int64
	apqMisses     atomic.Int64
	apqRegistered atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	cacheBypasses atomic.Int64
	executions    atomic.Int64

	mu              sync.RWMutex
	operationCounts map[string]int64
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{operationCounts: make(map[string]int64)}
}

func (s *StatsCollector) recordRequest() { s.totalRequests.Add(1) }
func (s *StatsCollector) recordError()   { s.totalErrors.Add(1) }

func (s *StatsCollector) recordLookup(result string) {
	switch result {
	case LookupHit:
		s.apqHits.Add(1)
	case LookupMiss:
		s.apqMisses.Add(1)
	case LookupRegistered:
		s.apqRegistered.Add(1)
	}
}

func (s *StatsCollector) recordCache(status string) {
	switch status {
	case CacheHit:
		s.cacheHits.Add(1)
	case CacheMiss:
		s.cacheMisses.Add(1)
	case CacheBypass:
		s.cacheBypasses.Add(1)
	}
}

func (s *StatsCollector) recordExecution() { s.executions.Add(1) }

func (s *StatsCollector) recordOperation(kind OperationKind) {
	s.mu.Lock()
	s.operationCounts[string(kind)]++
	s.mu.Unlock()
}

// GetStats returns current statistics.
func (s *StatsCollector) GetStats() Stats {
	stats := Stats{
		TotalRequests:   s.totalRequests.Load(),
		TotalErrors:     s.totalErrors.Load(),
		APQHits:         s.apqHits.Load(),
		APQMisses:       s.apqMisses.Load(),
		APQRegistered:   s.apqRegistered.Load(),
		CacheHits:       s.cacheHits.Load(),
		CacheMisses:     s.cacheMisses.Load(),
		CacheBypasses:   s.cacheBypasses.Load(),
		Executions:      s.executions.Load(),
		OperationCounts: make(map[string]int64),
	}

	s.mu.RLock()
	for op, n := range s.operationCounts {
		stats.OperationCounts[op] = n
	}
	s.mu.RUnlock()

	return stats
}

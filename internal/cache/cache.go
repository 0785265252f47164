// Package cache is the shared namespaced cache in front of expensive
// upstream calls (warehouse queries, AI text, logo lookups). Entries persist
// in the relational store; the singleflight layer guarantees at most one
// concurrent computation per (namespace, key) across all jobs in process.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"deckforge/internal/core/domain"
)

// Well-known namespaces. Each producer family writes under its own
// namespace so keys cannot collide across concerns.
const (
	NamespaceWarehouse  = "warehouse-query"
	NamespaceAIInsight  = "ai-insight"
	NamespaceLogo       = "logo"
	NamespaceTeamConfig = "team-config"
)

// Backend is the persistence contract the store relies on, implemented by
// the DuckDB repository.
type Backend interface {
	GetCacheEntry(ctx context.Context, namespace, key string, now time.Time) ([]byte, bool, error)
	PutCacheEntry(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	DeleteCacheEntry(ctx context.Context, namespace, key string) error
	CountCacheEntries(ctx context.Context, now time.Time) (int, error)
}

type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

type Store struct {
	logger     *slog.Logger
	backend    Backend
	group      singleflight.Group
	ttls       map[string]time.Duration
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

var _ domain.Cache = (*Store)(nil)

func NewStore(logger *slog.Logger, backend Backend, defaultTTL time.Duration, ttls map[string]time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	if ttls == nil {
		ttls = map[string]time.Duration{}
	}
	return &Store{logger: logger, backend: backend, defaultTTL: defaultTTL, ttls: ttls}
}

func (s *Store) ttl(namespace string) time.Duration {
	if ttl, ok := s.ttls[namespace]; ok && ttl > 0 {
		return ttl
	}
	return s.defaultTTL
}

// Get returns the unexpired value for (namespace, key), if any.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	val, found, err := s.backend.GetCacheEntry(ctx, namespace, key, time.Now())
	if err != nil {
		s.logger.Warn("cache read failed", "namespace", namespace, "key", key, "error", err)
		found = false
	}
	if found {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return val, found
}

// Set writes the value with the given ttl (<=0 uses the namespace default).
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl(namespace)
	}
	return s.backend.PutCacheEntry(ctx, namespace, key, value, ttl)
}

func (s *Store) Invalidate(ctx context.Context, namespace, key string) error {
	return s.backend.DeleteCacheEntry(ctx, namespace, key)
}

// GetOrCompute returns the cached value or runs compute to produce it.
// Concurrent callers missing on the same (namespace, key) share a single
// compute invocation and all receive its value. A failed compute stores
// nothing: the error propagates to every waiting caller and the next read
// starts fresh, while any unexpired prior value keeps being served by the
// initial lookup.
func (s *Store) GetOrCompute(ctx context.Context, namespace, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if val, found := s.Get(ctx, namespace, key); found {
		return val, nil
	}

	flightKey := namespace + "\x00" + key
	val, err, _ := s.group.Do(flightKey, func() (any, error) {
		// A concurrent flight may have populated the entry between our
		// miss and acquiring the flight.
		if val, found, err := s.backend.GetCacheEntry(ctx, namespace, key, time.Now()); err == nil && found {
			return val, nil
		}

		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.backend.PutCacheEntry(ctx, namespace, key, computed, s.ttl(namespace)); err != nil {
			// Losing the write costs a recompute later, not correctness.
			s.logger.Warn("cache write failed", "namespace", namespace, "key", key, "error", err)
		}
		return computed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache compute %s/%s: %w", namespace, key, err)
	}
	return val.([]byte), nil
}

func (s *Store) Stats(ctx context.Context) Stats {
	entries, err := s.backend.CountCacheEntries(ctx, time.Now())
	if err != nil {
		s.logger.Warn("cache entry count failed", "error", err)
	}
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: entries,
	}
}

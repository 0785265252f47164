package report

import (
	"context"
	"sync"
	"time"
)

type memCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// memCacheBackend keeps cache entries in a map so graph tests run without
// a database.
type memCacheBackend struct {
	mu      sync.Mutex
	entries map[string]memCacheEntry
}

func newMemCacheBackend() *memCacheBackend {
	return &memCacheBackend{entries: make(map[string]memCacheEntry)}
}

func (b *memCacheBackend) GetCacheEntry(_ context.Context, namespace, key string, now time.Time) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[namespace+"/"+key]
	if !ok || !e.expiresAt.After(now) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *memCacheBackend) PutCacheEntry(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[namespace+"/"+key] = memCacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *memCacheBackend) DeleteCacheEntry(_ context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, namespace+"/"+key)
	return nil
}

func (b *memCacheBackend) CountCacheEntries(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.expiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

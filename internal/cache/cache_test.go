package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// memBackend is an in-memory stand-in for the repository cache table.
type memBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
	puts    atomic.Int32
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]memEntry)}
}

func (b *memBackend) GetCacheEntry(_ context.Context, namespace, key string, now time.Time) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[namespace+"/"+key]
	if !ok || !e.expiresAt.After(now) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *memBackend) PutCacheEntry(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts.Add(1)
	b.entries[namespace+"/"+key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *memBackend) DeleteCacheEntry(_ context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, namespace+"/"+key)
	return nil
}

func (b *memBackend) CountCacheEntries(_ context.Context, now time.Time) (int, error) {
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

func newTestStore(backend Backend) *Store {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewStore(logger, backend, time.Hour, map[string]time.Duration{
		NamespaceLogo: 24 * time.Hour,
	})
}

func TestStore_GetOrCompute_MissThenHit(t *testing.T) {
	backend := newMemBackend()
	store := newTestStore(backend)
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(_ context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("fresh"), nil
	}

	val, err := store.GetOrCompute(ctx, NamespaceWarehouse, "k1", compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)

	val, err = store.GetOrCompute(ctx, NamespaceWarehouse, "k1", compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)

	assert.Equal(t, int32(1), computes.Load())

	stats := store.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestStore_GetOrCompute_SingleFlight(t *testing.T) {
	backend := newMemBackend()
	store := newTestStore(backend)
	ctx := context.Background()

	var computes atomic.Int32
	release := make(chan struct{})
	compute := func(_ context.Context) ([]byte, error) {
		computes.Add(1)
		<-release
		return []byte("expensive"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.GetOrCompute(ctx, NamespaceAIInsight, "shared", compute)
		}(i)
	}

	// Let every caller reach the flight before the compute finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), computes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("expensive"), results[i])
	}
	assert.Equal(t, int32(1), backend.puts.Load())
}

func TestStore_GetOrCompute_FailedComputeStoresNothing(t *testing.T) {
	backend := newMemBackend()
	store := newTestStore(backend)
	ctx := context.Background()

	boom := errors.New("upstream down")
	_, err := store.GetOrCompute(ctx, NamespaceWarehouse, "k1", func(_ context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), backend.puts.Load())

	// The next caller recomputes instead of seeing a poisoned entry.
	val, err := store.GetOrCompute(ctx, NamespaceWarehouse, "k1", func(_ context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), val)
}

func TestStore_ExpiredEntryRecomputes(t *testing.T) {
	backend := newMemBackend()
	store := newTestStore(backend)
	ctx := context.Background()

	backend.entries[NamespaceWarehouse+"/stale"] = memEntry{
		value:     []byte("old"),
		expiresAt: time.Now().Add(-time.Minute),
	}

	val, err := store.GetOrCompute(ctx, NamespaceWarehouse, "stale", func(_ context.Context) ([]byte, error) {
		return []byte("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestStore_SetAndInvalidate(t *testing.T) {
	backend := newMemBackend()
	store := newTestStore(backend)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, NamespaceLogo, "acme", []byte("http://cdn/acme.png"), 0))

	val, found := store.Get(ctx, NamespaceLogo, "acme")
	require.True(t, found)
	assert.Equal(t, []byte("http://cdn/acme.png"), val)

	require.NoError(t, store.Invalidate(ctx, NamespaceLogo, "acme"))
	_, found = store.Get(ctx, NamespaceLogo, "acme")
	assert.False(t, found)
}

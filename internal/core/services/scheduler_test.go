package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckforge/internal/core/domain"
)

func TestScheduler_RunsSubmittedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(testLogger(), 2, 10)

	var mu sync.Mutex
	seen := make(map[domain.JobID]bool)
	done := make(chan struct{}, 3)

	sched.Start(ctx, func(_ context.Context, id domain.JobID) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		done <- struct{}{}
	})

	for _, id := range []domain.JobID{"j1", "j2", "j3"} {
		require.NoError(t, sched.Submit(id))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs to run")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
}

func TestScheduler_QueueFull(t *testing.T) {
	sched := NewScheduler(testLogger(), 1, 2)

	// Not started, so nothing drains the queue.
	require.NoError(t, sched.Submit("j1"))
	require.NoError(t, sched.Submit("j2"))
	assert.ErrorIs(t, sched.Submit("j3"), ErrQueueFull)
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler(testLogger(), 2, 10)

	var inFlight, peak atomic.Int32
	done := make(chan struct{}, 6)

	sched.Start(ctx, func(_ context.Context, _ domain.JobID) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		done <- struct{}{}
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, sched.Submit(domain.JobID(string(rune('a'+i)))))
	}
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

package services

import (
	"log/slog"
	"sync"

	"deckforge/internal/core/domain"
)

// EventBus fans job snapshots out to progress subscribers. Producers never
// block: a subscriber that cannot keep up drops snapshots and catches up on
// the next one, which is safe because every snapshot carries the full job
// state.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan domain.Job
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan domain.Job),
	}
}

// Subscribe returns a channel receiving snapshots for one job, and an
// unsubscribe function that closes it.
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan domain.Job, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Job, 16)
	b.subs[jobID] = append(b.subs[jobID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}

	return ch, unsub
}

// Publish sends a snapshot to all subscribers of the job.
func (b *EventBus) Publish(job domain.Job) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[job.ID] {
		select {
		case ch <- job:
		default:
			b.logger.Warn("progress subscriber channel full, dropping snapshot", "job_id", job.ID)
		}
	}
}

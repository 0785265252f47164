package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deckforge/internal/core/domain"
)

// handleJobProgress streams job state changes as server-sent events. The
// first event is always the current snapshot, so a client that reconnects
// after missing the terminal transition still learns the outcome. Comment
// heartbeats keep idle proxies from dropping the connection.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeProgressEvent(w, *job)
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}

	ch, unsub := s.bus.Subscribe(job.ID)
	defer unsub()

	// A terminal transition published between the snapshot above and the
	// subscription was missed for good, so re-read before waiting.
	if current, err := s.jobs.Get(r.Context(), job.ID); err == nil && current.Status.Terminal() {
		writeProgressEvent(w, *current)
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case snapshot, open := <-ch:
			if !open {
				return
			}
			writeProgressEvent(w, snapshot)
			flusher.Flush()
			if snapshot.Status.Terminal() {
				return
			}
		}
	}
}

func writeProgressEvent(w http.ResponseWriter, job domain.Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}

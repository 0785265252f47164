package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ErrorKind classifies terminal job failures for clients.
type ErrorKind string

const (
	ErrorKindGeneration ErrorKind = "generation"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindInternal   ErrorKind = "internal"
)

// JobError is the structured error persisted on failed jobs.
type JobError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e JobError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// JobResult is persisted once a job completes. Sections maps task name to
// its final outcome so clients can see which parts of the deck degraded.
type JobResult struct {
	ArtifactRef string            `json:"artifact_ref"`
	Filename    string            `json:"filename"`
	Sections    map[string]string `json:"sections"`
	Degraded    []string          `json:"degraded,omitempty"`
}

// Job tracks one deck generation request end-to-end.
type Job struct {
	ID              JobID           `json:"id"`
	SubjectKey      string          `json:"subject_key"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message"`
	Options         GenerateOptions `json:"options"`
	Result          *JobResult      `json:"result,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when a write targets a job that already
	// reached completed or failed. Callers treat it as a no-op.
	ErrJobTerminal = errors.New("job already terminal")
)

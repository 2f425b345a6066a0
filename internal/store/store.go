package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"course-content-jobs/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
}

// RequeueFilter selects terminal jobs to reset back to pending.
// Status defaults to failed. Limit is clamped to the store's hard cap.
type RequeueFilter struct {
	Type          string
	CourseID      string
	Status        string
	ErrorContains string
	Limit         int
}

func (f *RequeueFilter) normalize(cap int) {
	// Only terminal rows are requeueable.
	if f.Status != models.StatusFailed && f.Status != models.StatusDone {
		f.Status = models.StatusFailed
	}
	if f.Limit <= 0 || f.Limit > cap {
		f.Limit = cap
	}
}

// JobStore is the persistence surface the orchestrator needs. The Postgres
// implementation is the system of record; the memory implementation backs
// tests and local development.
type JobStore interface {
	// CreateJob inserts a job row. When the idempotency key already maps to
	// a row, that row is returned instead and the boolean is true.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// ClaimNext atomically claims the oldest pending job, flipping it to
	// processing and stamping started_at. It returns nil when the queue is
	// empty. Concurrent callers never observe the same row as claimable.
	ClaimNext(ctx context.Context) (*models.Job, error)

	// Heartbeat stamps last_heartbeat for an in-flight job.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// MarkDone transitions processing -> done and records the result.
	MarkDone(ctx context.Context, id string, result json.RawMessage) error

	// MarkFailed transitions processing -> failed and records the error text.
	MarkFailed(ctx context.Context, id string, msg string) error

	// Requeue resets matching terminal rows to pending, clearing result,
	// error, and timestamps. It returns the exact affected id set.
	Requeue(ctx context.Context, f RequeueFilter) ([]string, error)

	// CountByStatus returns the number of jobs per lifecycle state.
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

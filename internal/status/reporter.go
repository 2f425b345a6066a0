// Package status classifies observable state for dashboards and CLIs.
// Everything here is a pure function of stored fields plus a clock: hang
// detection is advisory and never mutates a job row. Only an operator (via
// requeue) decides whether a hung worker is actually dead.
package status

import (
	"time"

	"course-content-jobs/internal/feed"
	"course-content-jobs/internal/models"
)

// JobView is the read-side classification of a single job row.
type JobView struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	Hung          bool       `json:"hung"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ForJob maps a job row to its observable state. A processing job whose
// heartbeat is older than hangTimeout is flagged hung; the row itself is
// untouched.
func ForJob(job models.Job, now time.Time, hangTimeout time.Duration) JobView {
	view := JobView{
		ID:            job.ID,
		Type:          job.Type,
		Error:         job.Error,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		LastHeartbeat: job.LastHeartbeat,
		CreatedAt:     job.CreatedAt,
	}

	switch job.Status {
	case models.StatusPending:
		view.State = feed.StateIdle
	case models.StatusProcessing:
		view.State = feed.StateRunning
		view.Hung = Stale(job.LastHeartbeat, now, hangTimeout)
	case models.StatusDone:
		view.State = feed.StateCompleted
	case models.StatusFailed:
		view.State = feed.StateError
	default:
		view.State = feed.StateError
	}
	return view
}

// Stale reports whether a heartbeat is older than the hang threshold.
// A missing heartbeat on an in-flight row counts as stale.
func Stale(heartbeat *time.Time, now time.Time, hangTimeout time.Duration) bool {
	if hangTimeout <= 0 {
		return false
	}
	if heartbeat == nil {
		return true
	}
	return now.Sub(*heartbeat) > hangTimeout
}

// MigrationView is the snapshot shown for the batch migration worker.
type MigrationView struct {
	feed.Record
	Hung bool `json:"hung"`
}

// ForMigration classifies the liveness record. A record claiming to run with
// a stale heartbeat is displayed hung, not failed: the worker may still be
// alive but slow, and only a human decides what to do about that.
func ForMigration(rec feed.Record, found bool, now time.Time, hangTimeout time.Duration) MigrationView {
	if !found {
		return MigrationView{Record: feed.Record{State: feed.StateIdle}}
	}
	view := MigrationView{Record: rec}
	if rec.State == feed.StateRunning {
		hb := rec.LastHeartbeat
		view.Hung = Stale(&hb, now, hangTimeout)
	}
	return view
}

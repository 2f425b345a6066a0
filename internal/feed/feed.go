package feed

import (
	"context"
	"time"
)

// Observable states surfaced to dashboards and the status CLI.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateError     = "error"
)

// MaxRecentErrors bounds the error ring carried by a liveness record.
const MaxRecentErrors = 5

// CourseMigrationKey is the Redis key the course migration worker publishes
// its liveness record under.
const CourseMigrationKey = "migration:courses:liveness"

// ItemError is one entry in the bounded recent-error ring.
type ItemError struct {
	ID    string    `json:"id"`
	Label string    `json:"label,omitempty"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Record is the high-frequency liveness feed written by a long-running
// worker. It is distinct from the durable checkpoint: losing it costs
// nothing but display freshness.
type Record struct {
	State            string      `json:"state"`
	PID              int         `json:"pid"`
	StartedAt        time.Time   `json:"started_at"`
	LastHeartbeat    time.Time   `json:"last_heartbeat"`
	CurrentItemID    string      `json:"current_item_id,omitempty"`
	CurrentItemLabel string      `json:"current_item_label,omitempty"`
	Total            int         `json:"total"`
	Processed        int         `json:"processed"`
	Successful       int         `json:"successful"`
	Failed           int         `json:"failed"`
	ETASeconds       int64       `json:"eta_seconds"`
	AvgItemTimeMs    int64       `json:"avg_item_time_ms"`
	Errors           []ItemError `json:"errors,omitempty"`
}

// PushError appends to the ring, evicting the oldest entry past the bound.
func (r *Record) PushError(e ItemError) {
	r.Errors = append(r.Errors, e)
	if len(r.Errors) > MaxRecentErrors {
		r.Errors = r.Errors[len(r.Errors)-MaxRecentErrors:]
	}
}

// Sink persists liveness records somewhere a monitor can read them.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Load(ctx context.Context) (Record, bool, error)
	Clear(ctx context.Context) error
}

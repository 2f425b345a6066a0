package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres. A row is always in exactly one
// of these; done and failed are terminal and only a requeue moves a terminal
// row back to pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job represents one unit of queued generation work.
//
// Payload and Result are opaque to the orchestrator: they are carried as raw
// JSON and only the strategy for the job's type ever decodes them.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastHeartbeat  *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}

// ValidTransition reports whether moving from one status to another is
// allowed. Requeue (terminal back to pending) is permitted because the
// requeue controller is the one sanctioned recovery path.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusDone || to == StatusFailed
	case StatusDone, StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

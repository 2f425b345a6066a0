package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"course-content-jobs/internal/models"
)

// MemoryStore is a mutex-guarded in-memory JobStore used by tests and local
// development. It mirrors the Postgres semantics, including the idempotency
// guard and the at-most-one-claim guarantee.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	byIdemKey  map[string]string
	seq        int64
	order      map[string]int64
	requeueCap int
}

// NewMemory builds an empty in-memory store.
func NewMemory(requeueCap int) *MemoryStore {
	if requeueCap <= 0 {
		requeueCap = 100
	}
	return &MemoryStore{
		jobs:       make(map[string]*models.Job),
		byIdemKey:  make(map[string]string),
		order:      make(map[string]int64),
		requeueCap: requeueCap,
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.byIdemKey[p.IdempotencyKey]; ok {
			return *m.jobs[id], true, nil
		}
	}

	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		Type:           p.Type,
		Status:         models.StatusPending,
		Payload:        payload,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      time.Now().UTC(),
	}
	m.seq++
	m.jobs[job.ID] = job
	m.order[job.ID] = m.seq
	if p.IdempotencyKey != "" {
		m.byIdemKey[p.IdempotencyKey] = job.ID
	}
	return *job, false, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *MemoryStore) ClaimNext(_ context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidate *models.Job
	for _, job := range m.jobs {
		if job.Status != models.StatusPending {
			continue
		}
		if candidate == nil || m.before(job, candidate) {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	candidate.Status = models.StatusProcessing
	candidate.StartedAt = &now
	hb := now
	candidate.LastHeartbeat = &hb
	out := *candidate
	return &out, nil
}

// before orders jobs by creation time, falling back to insertion order for
// rows created inside the same clock tick.
func (m *MemoryStore) before(a, b *models.Job) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return m.order[a.ID] < m.order[b.ID]
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return nil
	}
	hb := at.UTC()
	job.LastHeartbeat = &hb
	return nil
}

func (m *MemoryStore) MarkDone(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return ErrNotFound
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	job.Status = models.StatusDone
	job.Result = result
	job.Error = nil
	job.CompletedAt = &now
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.Error = &msg
	job.Result = nil
	job.CompletedAt = &now
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, f RequeueFilter) ([]string, error) {
	f.normalize(m.requeueCap)

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Job
	for _, job := range m.jobs {
		if job.Status != f.Status {
			continue
		}
		if f.Type != "" && job.Type != f.Type {
			continue
		}
		if f.CourseID != "" && payloadCourseID(job.Payload) != f.CourseID {
			continue
		}
		if f.ErrorContains != "" && (job.Error == nil || !strings.Contains(*job.Error, f.ErrorContains)) {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool { return m.before(matched[i], matched[j]) })
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	ids := make([]string, 0, len(matched))
	for _, job := range matched {
		job.Status = models.StatusPending
		job.Result = nil
		job.Error = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		job.LastHeartbeat = nil
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func payloadCourseID(payload json.RawMessage) string {
	var fields struct {
		CourseID string `json:"course_id"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	return fields.CourseID
}

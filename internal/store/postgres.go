package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"course-content-jobs/internal/models"
)

const uniqueViolation = "23505"

const jobColumns = `id, type, status, payload, result, error, idempotency_key, started_at, completed_at, last_heartbeat, created_at`

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool       *pgxpool.Pool
	requeueCap int
}

// New creates a pooled connection to Postgres. requeueCap bounds how many
// rows a single Requeue call may reset.
func New(ctx context.Context, dsn string, requeueCap int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if requeueCap <= 0 {
		requeueCap = 100
	}
	return &Store{pool: pool, requeueCap: requeueCap}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row, honoring the idempotency key if provided.
// A duplicate key does not create a second row: the unique-index violation is
// caught and resolved by returning the existing row instead.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, payload, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, p.Type, models.StatusPending, []byte(payload), emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && p.IdempotencyKey != "" {
			existing, found, ferr := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if ferr != nil {
				return models.Job{}, false, ferr
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Status:         models.StatusPending,
		Payload:        payload,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
	}, false, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1
	`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest pending job. The inner select takes
// a row lock and skips rows locked by concurrent claimers, so racing workers
// never block on each other and never double-claim.
func (s *Store) ClaimNext(ctx context.Context) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, started_at = NOW(), last_heartbeat = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns+`
	`, models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Heartbeat stamps last_heartbeat for an in-flight job. Writes to rows no
// longer processing are dropped rather than resurrecting terminal state.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET last_heartbeat = $2 WHERE id = $1 AND status = $3
	`, id, at.UTC(), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// MarkDone transitions processing -> done and records the result.
func (s *Store) MarkDone(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, error = NULL, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusDone, []byte(result), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions processing -> failed and records the error verbatim.
func (s *Store) MarkFailed(ctx context.Context, id string, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, result = NULL, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, msg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue resets matching terminal rows to pending, bounded by the hard cap.
// Select and update are separate steps inside one transaction so the exact
// affected id set is returned for audit.
func (s *Store) Requeue(ctx context.Context, f RequeueFilter) ([]string, error) {
	f.normalize(s.requeueCap)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	query := `SELECT id FROM jobs WHERE status = $1`
	args := []any{f.Status}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.CourseID != "" {
		args = append(args, f.CourseID)
		query += fmt.Sprintf(" AND payload->>'course_id' = $%d", len(args))
	}
	if f.ErrorContains != "" {
		args = append(args, f.ErrorContains)
		query += fmt.Sprintf(" AND error LIKE '%%' || $%d || '%%'", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d FOR UPDATE", len(args))

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select requeue candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect requeue candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, result = NULL, error = NULL,
		    started_at = NULL, completed_at = NULL, last_heartbeat = NULL
		WHERE id = ANY($2)
	`, models.StatusPending, ids)
	if err != nil {
		return nil, fmt.Errorf("requeue update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return ids, nil
}

// CountByStatus returns the number of jobs per lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, result []byte
	var errText, idem pgtype.Text
	var startedAt, completedAt, heartbeat pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &payload, &result, &errText, &idem,
		&startedAt, &completedAt, &heartbeat, &job.CreatedAt); err != nil {
		return models.Job{}, err
	}

	job.Payload = json.RawMessage(payload)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.Error = textPtr(errText)
	job.IdempotencyKey = textPtr(idem)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LastHeartbeat = timePtr(heartbeat)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

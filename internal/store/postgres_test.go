package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-content-jobs/internal/models"
)

// skipIfNoPostgres skips the test when TEST_POSTGRES_DSN is not set.
func skipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_POSTGRES_DSN") == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres-specific test")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := New(ctx, os.Getenv("TEST_POSTGRES_DSN"), 100)
	require.NoError(t, err)
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE jobs`)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPostgres_ClaimSkipLocked(t *testing.T) {
	skipIfNoPostgres(t)
	ctx := context.Background()
	st := newTestStore(t)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, _, err := st.CreateJob(ctx, CreateJobParams{Type: "generate"})
		require.NoError(t, err)
	}

	// Concurrent claimers in tight loops must partition the queue exactly.
	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := st.ClaimNext(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s double-claimed", id)
	}
}

func TestPostgres_ClaimOrderAndStamp(t *testing.T) {
	skipIfNoPostgres(t)
	ctx := context.Background()
	st := newTestStore(t)

	first, _, err := st.CreateJob(ctx, CreateJobParams{Type: "generate"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, _, err = st.CreateJob(ctx, CreateJobParams{Type: "generate"})
	require.NoError(t, err)

	claimed, err := st.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)
	assert.NotNil(t, claimed.LastHeartbeat)
}

func TestPostgres_IdempotentInsert(t *testing.T) {
	skipIfNoPostgres(t)
	ctx := context.Background()
	st := newTestStore(t)

	first, existing, err := st.CreateJob(ctx, CreateJobParams{
		Type:           "generate",
		Payload:        json.RawMessage(`{"subject":"Math"}`),
		IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	require.False(t, existing)

	second, existing, err := st.CreateJob(ctx, CreateJobParams{
		Type:           "generate",
		Payload:        json.RawMessage(`{"subject":"Other"}`),
		IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)
}

func TestPostgres_LifecycleRoundTrip(t *testing.T) {
	skipIfNoPostgres(t)
	ctx := context.Background()
	st := newTestStore(t)

	job, _, err := st.CreateJob(ctx, CreateJobParams{Type: "generate", Payload: json.RawMessage(`{"subject":"Math"}`)})
	require.NoError(t, err)

	claimed, err := st.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	hb := time.Now().Add(time.Second)
	require.NoError(t, st.Heartbeat(ctx, job.ID, hb))

	require.NoError(t, st.MarkDone(ctx, job.ID, json.RawMessage(`{"itemsGenerated":12}`)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.JSONEq(t, `{"itemsGenerated":12}`, string(got.Result))
	assert.Nil(t, got.Error)
	assert.NotNil(t, got.CompletedAt)

	// Terminal writes against a done row must not apply.
	assert.ErrorIs(t, st.MarkFailed(ctx, job.ID, "late failure"), ErrNotFound)
}

func TestPostgres_RequeueBoundAndAudit(t *testing.T) {
	skipIfNoPostgres(t)
	ctx := context.Background()
	st := newTestStore(t)

	for i := 0; i < 5; i++ {
		job, _, err := st.CreateJob(ctx, CreateJobParams{Type: "generate"})
		require.NoError(t, err)
		_, err = st.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, st.MarkFailed(ctx, job.ID, "provider timeout"))
	}

	ids, err := st.Requeue(ctx, RequeueFilter{ErrorContains: "timeout", Limit: 2})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		job, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Nil(t, job.Error)
		assert.Nil(t, job.StartedAt)
	}

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusPending])
	assert.Equal(t, int64(3), counts[models.StatusFailed])
}

package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"course-content-jobs/internal/feed"
	"course-content-jobs/internal/models"
)

func TestForJob_HangThreshold(t *testing.T) {
	now := time.Now()
	hangTimeout := 2 * time.Minute

	mk := func(age time.Duration) models.Job {
		hb := now.Add(-age)
		started := now.Add(-10 * time.Minute)
		return models.Job{
			ID:            "j1",
			Status:        models.StatusProcessing,
			StartedAt:     &started,
			LastHeartbeat: &hb,
		}
	}

	stale := ForJob(mk(3*time.Minute), now, hangTimeout)
	assert.Equal(t, feed.StateRunning, stale.State)
	assert.True(t, stale.Hung, "3m-old heartbeat against a 2m threshold is hung")

	fresh := ForJob(mk(1*time.Minute), now, hangTimeout)
	assert.Equal(t, feed.StateRunning, fresh.State)
	assert.False(t, fresh.Hung, "1m-old heartbeat against a 2m threshold is alive")
}

func TestForJob_StateMapping(t *testing.T) {
	now := time.Now()
	errMsg := "provider timeout"

	cases := []struct {
		name  string
		job   models.Job
		state string
		hung  bool
	}{
		{"pending", models.Job{Status: models.StatusPending}, feed.StateIdle, false},
		{"done", models.Job{Status: models.StatusDone}, feed.StateCompleted, false},
		{"failed", models.Job{Status: models.StatusFailed, Error: &errMsg}, feed.StateError, false},
		{"processing no heartbeat", models.Job{Status: models.StatusProcessing}, feed.StateRunning, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			view := ForJob(tc.job, now, 2*time.Minute)
			assert.Equal(t, tc.state, view.State)
			assert.Equal(t, tc.hung, view.Hung)
			assert.Equal(t, tc.job.Error, view.Error, "error text passes through verbatim")
		})
	}
}

func TestForMigration(t *testing.T) {
	now := time.Now()
	hangTimeout := 2 * time.Minute

	missing := ForMigration(feed.Record{}, false, now, hangTimeout)
	assert.Equal(t, feed.StateIdle, missing.State)
	assert.False(t, missing.Hung)

	running := ForMigration(feed.Record{
		State:         feed.StateRunning,
		LastHeartbeat: now.Add(-30 * time.Second),
	}, true, now, hangTimeout)
	assert.False(t, running.Hung)

	hung := ForMigration(feed.Record{
		State:         feed.StateRunning,
		LastHeartbeat: now.Add(-3 * time.Minute),
	}, true, now, hangTimeout)
	assert.True(t, hung.Hung, "stale running record is hung, not failed")
	assert.Equal(t, feed.StateRunning, hung.State)

	completed := ForMigration(feed.Record{
		State:         feed.StateCompleted,
		LastHeartbeat: now.Add(-time.Hour),
	}, true, now, hangTimeout)
	assert.False(t, completed.Hung, "terminal states never read as hung")
}

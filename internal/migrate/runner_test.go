package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-content-jobs/internal/feed"
)

// fakeSource serves a fixed ordered id list in pages.
type fakeSource struct {
	ids []string
}

func newFakeSource(n int) *fakeSource {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("course-%03d", i))
	}
	return &fakeSource{ids: ids}
}

func (s *fakeSource) ListIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	start := sort.SearchStrings(s.ids, afterID)
	if start < len(s.ids) && s.ids[start] == afterID {
		start++
	}
	end := start + limit
	if end > len(s.ids) {
		end = len(s.ids)
	}
	return s.ids[start:end], nil
}

func (s *fakeSource) Fetch(_ context.Context, id string) (Course, error) {
	return Course{ID: id, ItemCount: 1}, nil
}

func newTestRunner(t *testing.T, source Source, process ProcessFunc, stateDir string, skip int) *Runner {
	t.Helper()
	return NewRunner(source, process, feed.NewFileSink(LivenessPath(stateDir)), RunnerOptions{
		StateDir:          stateDir,
		PageSize:          10,
		HeartbeatInterval: 50 * time.Millisecond,
		Skip:              skip,
	})
}

func TestRunner_ProcessesAllOnce(t *testing.T) {
	stateDir := t.TempDir()
	source := newFakeSource(25)

	var processed []string
	process := func(_ context.Context, id string) (UnitResult, error) {
		processed = append(processed, id)
		return UnitResult{ItemsImported: 1}, nil
	}

	runner := newTestRunner(t, source, process, stateDir, 0)
	require.NoError(t, runner.Run(context.Background()))

	assert.Equal(t, source.ids, processed, "strict source-order processing")

	cp, found, err := LoadCheckpoint(CheckpointPath(stateDir))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, source.ids, cp.ProcessedIDs)
	assert.Equal(t, 25, cp.Stats.SuccessCount)
	assert.Equal(t, 25, cp.Stats.ItemsImported)

	rec, recFound, err := feed.NewFileSink(LivenessPath(stateDir)).Load(context.Background())
	require.NoError(t, err)
	require.True(t, recFound)
	assert.Equal(t, feed.StateCompleted, rec.State)
	assert.Equal(t, 25, rec.Processed)
}

func TestRunner_KillAndResumeCoversEveryIDExactlyOnce(t *testing.T) {
	stateDir := t.TempDir()
	source := newFakeSource(100)

	// First run: the process is "killed" (context cancelled) after unit 37.
	ctx, cancel := context.WithCancel(context.Background())
	var handled int
	firstRun := func(_ context.Context, id string) (UnitResult, error) {
		handled++
		if handled == 37 {
			cancel()
		}
		return UnitResult{}, nil
	}
	err := newTestRunner(t, source, firstRun, stateDir, 0).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	cp, _, err := LoadCheckpoint(CheckpointPath(stateDir))
	require.NoError(t, err)
	assert.Len(t, cp.ProcessedIDs, 37)

	// Second run resumes from the checkpoint and finishes the rest.
	var resumed []string
	secondRun := func(_ context.Context, id string) (UnitResult, error) {
		resumed = append(resumed, id)
		return UnitResult{}, nil
	}
	require.NoError(t, newTestRunner(t, source, secondRun, stateDir, 0).Run(context.Background()))

	assert.Equal(t, "course-038", resumed[0], "resume continues exactly after the cursor")

	final, _, err := LoadCheckpoint(CheckpointPath(stateDir))
	require.NoError(t, err)

	covered := map[string]int{}
	for _, id := range final.ProcessedIDs {
		covered[id]++
	}
	for id := range final.FailedIDs {
		covered[id]++
	}
	require.Len(t, covered, 100, "no gaps")
	for id, n := range covered {
		assert.Equal(t, 1, n, "id %s covered more than once", id)
	}
}

func TestRunner_FailuresAccountedAndReported(t *testing.T) {
	stateDir := t.TempDir()
	source := newFakeSource(10)

	process := func(_ context.Context, id string) (UnitResult, error) {
		if id == "course-004" || id == "course-007" {
			return UnitResult{}, errors.New("asset decode failed")
		}
		return UnitResult{}, nil
	}
	require.NoError(t, newTestRunner(t, source, process, stateDir, 0).Run(context.Background()))

	cp, _, err := LoadCheckpoint(CheckpointPath(stateDir))
	require.NoError(t, err)
	assert.Len(t, cp.ProcessedIDs, 8)
	assert.Equal(t, map[string]string{
		"course-004": "asset decode failed",
		"course-007": "asset decode failed",
	}, cp.FailedIDs)
	assert.Equal(t, 2, cp.Stats.FailedCount)

	rec, _, err := feed.NewFileSink(LivenessPath(stateDir)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Failed)
	require.Len(t, rec.Errors, 2)
	assert.Equal(t, "course-004", rec.Errors[0].ID)
	assert.Equal(t, "asset decode failed", rec.Errors[0].Error)
}

func TestRunner_SkipSeedsProcessed(t *testing.T) {
	stateDir := t.TempDir()
	source := newFakeSource(10)

	var processed []string
	process := func(_ context.Context, id string) (UnitResult, error) {
		processed = append(processed, id)
		return UnitResult{}, nil
	}
	require.NoError(t, newTestRunner(t, source, process, stateDir, 4).Run(context.Background()))

	assert.Equal(t, "course-005", processed[0], "seeded ids are not reprocessed")
	assert.Len(t, processed, 6)

	cp, _, err := LoadCheckpoint(CheckpointPath(stateDir))
	require.NoError(t, err)
	assert.Equal(t, 4, cp.Stats.SkippedCount)
	assert.Equal(t, 6, cp.Stats.SuccessCount)
	assert.Len(t, cp.ProcessedIDs, 10)
}

func TestRunner_SecondInstanceRefused(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, acquireLock(LockPath(stateDir)))

	process := func(_ context.Context, _ string) (UnitResult, error) {
		return UnitResult{}, nil
	}
	err := newTestRunner(t, newFakeSource(3), process, stateDir, 0).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestRunner_CorruptCheckpointRefusesToStart(t *testing.T) {
	stateDir := t.TempDir()
	cpPath := CheckpointPath(stateDir)
	require.NoError(t, writeFile(cpPath, `{"version": 1, broken`))

	process := func(_ context.Context, _ string) (UnitResult, error) {
		return UnitResult{}, nil
	}
	err := newTestRunner(t, newFakeSource(3), process, stateDir, 0).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestReset(t *testing.T) {
	stateDir := t.TempDir()
	source := newFakeSource(3)
	sink := feed.NewFileSink(LivenessPath(stateDir))

	process := func(_ context.Context, _ string) (UnitResult, error) {
		return UnitResult{}, nil
	}
	require.NoError(t, newTestRunner(t, source, process, stateDir, 0).Run(context.Background()))

	require.NoError(t, Reset(context.Background(), stateDir, sink))

	_, found, err := LoadCheckpoint(CheckpointPath(stateDir))
	require.NoError(t, err)
	assert.False(t, found, "checkpoint removed")

	_, recFound, err := sink.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, recFound, "liveness removed")

	// A fresh run starts from scratch.
	var count int
	recount := func(_ context.Context, _ string) (UnitResult, error) {
		count++
		return UnitResult{}, nil
	}
	require.NoError(t, newTestRunner(t, source, recount, stateDir, 0).Run(context.Background()))
	assert.Equal(t, 3, count)
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

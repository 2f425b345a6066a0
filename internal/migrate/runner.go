package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"course-content-jobs/internal/feed"
	"course-content-jobs/internal/telemetry"
)

// State file names inside the migration state directory.
const (
	checkpointFile = "checkpoint.json"
	lockFile       = "migration.lock"
	livenessFile   = "liveness.json"
)

// CheckpointPath returns the checkpoint location for a state directory.
func CheckpointPath(stateDir string) string { return filepath.Join(stateDir, checkpointFile) }

// LockPath returns the advisory lock location for a state directory.
func LockPath(stateDir string) string { return filepath.Join(stateDir, lockFile) }

// LivenessPath returns the file-sink liveness location for a state directory.
func LivenessPath(stateDir string) string { return filepath.Join(stateDir, livenessFile) }

// ProcessFunc handles one source record end to end.
type ProcessFunc func(ctx context.Context, id string) (UnitResult, error)

// Runner walks an externally-ordered record set exactly once each, flushing
// the checkpoint after every unit so a crash loses at most one unit of work.
// It is deliberately single-instance and strictly sequential: the value is
// crash-resumability and accurate accounting, not throughput.
type Runner struct {
	source            Source
	process           ProcessFunc
	sink              feed.Sink
	stateDir          string
	pageSize          int
	heartbeatInterval time.Duration
	skip              int

	mu   sync.Mutex
	live feed.Record
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	StateDir          string
	PageSize          int
	HeartbeatInterval time.Duration
	// Skip seeds the first N listed ids as already processed. Deliberate
	// operator action only.
	Skip int
}

// NewRunner wires a runner over a source, a per-record strategy, and a
// liveness sink.
func NewRunner(source Source, process ProcessFunc, sink feed.Sink, opts RunnerOptions) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	return &Runner{
		source:            source,
		process:           process,
		sink:              sink,
		stateDir:          opts.StateDir,
		pageSize:          opts.PageSize,
		heartbeatInterval: opts.HeartbeatInterval,
		skip:              opts.Skip,
	}
}

// Run executes the walk until the source is exhausted or the context is
// cancelled. Checkpoint-write failures are fatal: continuing with stale
// on-disk state risks double-processing on the next resume.
func (r *Runner) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lockPath := LockPath(r.stateDir)
	if err := acquireLock(lockPath); err != nil {
		return err
	}
	defer func() {
		if err := releaseLock(lockPath); err != nil {
			log.Printf("migration: %v", err)
		}
	}()

	cpPath := CheckpointPath(r.stateDir)
	cp, found, err := LoadCheckpoint(cpPath)
	if err != nil {
		return err
	}
	if !found {
		cp = NewCheckpoint(time.Now())
		if err := cp.Save(cpPath); err != nil {
			return err
		}
	}

	ids, err := r.listAll(ctx)
	if err != nil {
		return fmt.Errorf("list source ids: %w", err)
	}

	if r.skip > 0 {
		for i := 0; i < r.skip && i < len(ids); i++ {
			cp.RecordSkipped(ids[i])
		}
		if err := cp.Save(cpPath); err != nil {
			return err
		}
	}

	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if !cp.Seen(id) {
			pending = append(pending, id)
		}
	}

	r.initLiveness(cp, len(ids))
	r.publish(ctx)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		r.heartbeatLoop(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		hbDone.Wait()
	}()

	var elapsed time.Duration
	var handled int
	for i, id := range pending {
		if err := ctx.Err(); err != nil {
			// Manual stop: the last flushed checkpoint is the resume point.
			r.setState(feed.StatePaused)
			r.publish(context.WithoutCancel(ctx))
			return err
		}

		r.setCurrent(id, "")
		r.publish(ctx)

		start := time.Now()
		res, perr := r.process(ctx, id)
		elapsed += time.Since(start)
		handled++

		if perr != nil {
			if errors.Is(perr, context.Canceled) {
				r.setState(feed.StatePaused)
				r.publish(context.WithoutCancel(ctx))
				return perr
			}
			cp.RecordFailure(id, perr.Error())
			r.recordFailure(id, perr)
			telemetry.MigrationFailed.Inc()
			log.Printf("migration: record %s failed: %v", id, perr)
		} else {
			cp.RecordSuccess(id, res)
			r.recordSuccess()
		}
		telemetry.MigrationProcessed.Inc()

		// Flush before moving on: this write is what bounds crash loss to
		// one unit.
		if err := cp.Save(cpPath); err != nil {
			r.setState(feed.StateError)
			r.publish(context.WithoutCancel(ctx))
			return fmt.Errorf("persist checkpoint after %s: %w", id, err)
		}

		r.updateETA(elapsed, handled, len(pending)-i-1)
		r.publish(ctx)
	}

	r.setCurrent("", "")
	r.setState(feed.StateCompleted)
	r.publish(context.WithoutCancel(ctx))
	return nil
}

// listAll pages through the source ordering until a short page signals the
// end of the listing.
func (r *Runner) listAll(ctx context.Context) ([]string, error) {
	var all []string
	after := ""
	for {
		page, err := r.source.ListIDs(ctx, after, r.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < r.pageSize {
			return all, nil
		}
		after = page[len(page)-1]
	}
}

func (r *Runner) initLiveness(cp *Checkpoint, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = feed.Record{
		State:         feed.StateRunning,
		PID:           os.Getpid(),
		StartedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
		Total:         total,
		Processed:     len(cp.ProcessedIDs) + len(cp.FailedIDs),
		Successful:    cp.Stats.SuccessCount + cp.Stats.SkippedCount,
		Failed:        cp.Stats.FailedCount,
	}
}

func (r *Runner) setState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.State = state
}

func (r *Runner) setCurrent(id, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.CurrentItemID = id
	r.live.CurrentItemLabel = label
}

func (r *Runner) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.Processed++
	r.live.Successful++
}

func (r *Runner) recordFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.Processed++
	r.live.Failed++
	r.live.PushError(feed.ItemError{ID: id, Error: err.Error(), At: time.Now().UTC()})
}

func (r *Runner) updateETA(elapsed time.Duration, handled, remaining int) {
	if handled == 0 {
		return
	}
	avg := elapsed / time.Duration(handled)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.AvgItemTimeMs = avg.Milliseconds()
	r.live.ETASeconds = int64((avg * time.Duration(remaining)).Seconds())
}

// publish snapshots the owned liveness struct and writes it to the sink.
// Feed failures only cost display freshness, so they are logged, not fatal.
func (r *Runner) publish(ctx context.Context) {
	r.mu.Lock()
	r.live.LastHeartbeat = time.Now().UTC()
	snapshot := r.live
	r.mu.Unlock()

	if err := r.sink.Publish(ctx, snapshot); err != nil {
		log.Printf("migration: publish liveness: %v", err)
	}
}

// heartbeatLoop publishes on a tick so monitors can distinguish a slow unit
// from a hung worker without waiting for a checkpoint flush.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

// Reset returns the state directory to "never run": checkpoint, liveness,
// and lock are removed. Destructive and deliberate, never automatic.
func Reset(ctx context.Context, stateDir string, sink feed.Sink) error {
	for _, path := range []string{CheckpointPath(stateDir), LivenessPath(stateDir), LockPath(stateDir)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	if sink != nil {
		if err := sink.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"course-content-jobs/internal/config"
	"course-content-jobs/internal/models"
	"course-content-jobs/internal/store"
	"course-content-jobs/internal/telemetry"
)

// Strategy executes one claimed job. The orchestrator treats it as opaque:
// it gets the raw payload and returns either a raw result or an error.
// Strategies must be safe to retry; the queue guarantees at most one
// concurrent claim, not exactly-once side effects.
type Strategy func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Executor drives the claim-execute-persist loop for one worker process.
type Executor struct {
	cfg        config.Config
	store      store.JobStore
	strategies map[string]Strategy
	workerID   string
}

// NewExecutor creates an executor with an empty strategy registry.
func NewExecutor(cfg config.Config, st store.JobStore, workerID string) *Executor {
	return &Executor{
		cfg:        cfg,
		store:      st,
		strategies: make(map[string]Strategy),
		workerID:   workerID,
	}
}

// Register binds a strategy to a job type.
func (e *Executor) Register(jobType string, s Strategy) {
	if jobType == "" || s == nil {
		return
	}
	e.strategies[jobType] = s
}

// Run claims and executes jobs until context cancellation. A single bad job
// never stops the loop; store errors back off and the loop continues.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := e.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker %s: claim: %v", e.workerID, err)
			sleep(ctx, e.cfg.ClaimRetryBackoff)
			continue
		}
		if job == nil {
			sleep(ctx, e.cfg.ClaimPollInterval)
			continue
		}

		telemetry.ClaimCounter.Inc()
		telemetry.ProcessingGauge.Inc()
		e.execute(ctx, *job)
		telemetry.ProcessingGauge.Dec()
	}
}

// execute runs the strategy under panic recovery with a heartbeat ticker and
// persists the terminal state.
func (e *Executor) execute(ctx context.Context, job models.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.heartbeatLoop(hbCtx, job.ID)
	}()

	result, err := e.runStrategy(ctx, job)

	stopHeartbeat()
	<-done

	if err != nil {
		e.persist(ctx, job.ID, func(pctx context.Context) error {
			return e.store.MarkFailed(pctx, job.ID, err.Error())
		})
		telemetry.FailedCounter.Inc()
		log.Printf("worker %s: job %s (%s) failed: %v", e.workerID, job.ID, job.Type, err)
		return
	}

	e.persist(ctx, job.ID, func(pctx context.Context) error {
		return e.store.MarkDone(pctx, job.ID, result)
	})
	telemetry.DoneCounter.Inc()
}

// runStrategy invokes the registered strategy, converting panics into job
// failures so a misbehaving strategy never leaves a row processing forever or
// crashes the worker.
func (e *Executor) runStrategy(ctx context.Context, job models.Job) (result json.RawMessage, err error) {
	strategy, ok := e.strategies[job.Type]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return strategy(ctx, job)
}

// heartbeatLoop stamps last_heartbeat at a bounded interval while the
// strategy runs. The interval must stay below the hang threshold or every
// slow job reads as hung.
func (e *Executor) heartbeatLoop(ctx context.Context, jobID string) {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(context.WithoutCancel(ctx), jobID, time.Now()); err != nil {
				log.Printf("worker %s: heartbeat %s: %v", e.workerID, jobID, err)
			}
		}
	}
}

// persist applies a terminal transition, retrying transient store errors a
// few times so a flaky connection does not strand the row.
func (e *Executor) persist(ctx context.Context, jobID string, fn func(context.Context) error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(context.WithoutCancel(ctx)); err == nil {
			return
		}
		sleep(ctx, e.cfg.ClaimRetryBackoff)
	}
	log.Printf("worker %s: persist terminal state for %s: %v", e.workerID, jobID, err)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

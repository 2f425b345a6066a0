package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"course-content-jobs/internal/models"
)

// generatePayload is the subset of the generation payload the simulator
// understands. Real generation strategies live outside this module; this one
// exists so the queue can be exercised end to end without a provider.
type generatePayload struct {
	Subject    string `json:"subject"`
	ItemCount  int    `json:"item_count"`
	ShouldFail bool   `json:"should_fail"`
	DurationMs int    `json:"duration_ms"`
}

// SimulatedGenerate mimics a content-generation strategy. The payload can
// request a failure or a fixed duration to exercise heartbeat and hang paths.
func SimulatedGenerate(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var p generatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.ShouldFail {
		return nil, errors.New("simulated failure requested by payload.should_fail")
	}
	if p.DurationMs > 0 {
		t := time.NewTimer(time.Duration(p.DurationMs) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	items := p.ItemCount
	if items == 0 {
		items = 12
	}
	return json.Marshal(map[string]any{
		"subject":        p.Subject,
		"itemsGenerated": items,
	})
}

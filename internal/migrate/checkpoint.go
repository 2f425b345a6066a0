package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckpointVersion is bumped when the on-disk shape changes. A mismatch is
// treated like corruption: fatal at load, never silently migrated.
const CheckpointVersion = 1

// Stats carries the running counters persisted with every checkpoint flush.
type Stats struct {
	SuccessCount   int `json:"success_count"`
	FailedCount    int `json:"failed_count"`
	SkippedCount   int `json:"skipped_count"`
	ItemsImported  int `json:"items_imported"`
	AssetsMigrated int `json:"assets_migrated"`
}

// Checkpoint is the durable progress record for one migration run. It is
// flushed after every processed unit, so a crash loses at most one unit of
// work. ProcessedIDs preserves processing order; FailedIDs maps an id to its
// last error message.
type Checkpoint struct {
	Version      int               `json:"version"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Cursor       string            `json:"cursor"`
	ProcessedIDs []string          `json:"processed_ids"`
	FailedIDs    map[string]string `json:"failed_ids"`
	Stats        Stats             `json:"stats"`

	seen map[string]struct{}
}

// NewCheckpoint initializes an empty checkpoint for a fresh run.
func NewCheckpoint(now time.Time) *Checkpoint {
	return &Checkpoint{
		Version:      CheckpointVersion,
		StartedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
		ProcessedIDs: []string{},
		FailedIDs:    map[string]string{},
		seen:         map[string]struct{}{},
	}
}

// LoadCheckpoint reads a checkpoint from disk. A missing file is not an
// error (found=false); an unreadable, malformed, or version-mismatched file
// is, because guessing a resume point risks double-processing.
func LoadCheckpoint(path string) (*Checkpoint, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, false, fmt.Errorf("checkpoint corrupt (%s): %w", path, err)
	}
	if cp.Version != CheckpointVersion {
		return nil, false, fmt.Errorf("checkpoint version %d unsupported (want %d): reset or repair %s", cp.Version, CheckpointVersion, path)
	}
	if cp.FailedIDs == nil {
		cp.FailedIDs = map[string]string{}
	}
	cp.seen = make(map[string]struct{}, len(cp.ProcessedIDs)+len(cp.FailedIDs))
	for _, id := range cp.ProcessedIDs {
		cp.seen[id] = struct{}{}
	}
	for id := range cp.FailedIDs {
		cp.seen[id] = struct{}{}
	}
	return &cp, true, nil
}

// Save persists the checkpoint atomically: write a temp file, then rename
// over the old one, so a crash mid-write leaves the previous good state.
func (c *Checkpoint) Save(path string) error {
	c.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Seen reports whether an id was already handled (success, failure, or skip).
func (c *Checkpoint) Seen(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// RecordSuccess moves an id into the processed bucket and advances the
// cursor. An id previously in the failed bucket is promoted out of it.
func (c *Checkpoint) RecordSuccess(id string, res UnitResult) {
	delete(c.FailedIDs, id)
	if !c.Seen(id) || !containsID(c.ProcessedIDs, id) {
		c.ProcessedIDs = append(c.ProcessedIDs, id)
	}
	c.seen[id] = struct{}{}
	c.Cursor = id
	c.Stats.SuccessCount++
	c.Stats.ItemsImported += res.ItemsImported
	c.Stats.AssetsMigrated += res.AssetsMigrated
}

// RecordFailure books an id into the failed bucket and advances the cursor.
func (c *Checkpoint) RecordFailure(id, errMsg string) {
	c.FailedIDs[id] = errMsg
	c.seen[id] = struct{}{}
	c.Cursor = id
	c.Stats.FailedCount++
}

// RecordSkipped marks an id as deliberately skipped via --skip seeding. It
// lands in the processed bucket so the prefix-coverage invariant holds, but
// is counted separately from real successes.
func (c *Checkpoint) RecordSkipped(id string) {
	if c.Seen(id) {
		return
	}
	c.ProcessedIDs = append(c.ProcessedIDs, id)
	c.seen[id] = struct{}{}
	c.Cursor = id
	c.Stats.SkippedCount++
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

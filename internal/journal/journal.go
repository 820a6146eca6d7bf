// Package journal keeps an append-only log of job state transitions so an
// operator can reconstruct why a job was filled, blocked, retried or failed.
package journal

import (
	"context"
	"sync"

	"github.com/atmx/agent-engine/internal/model"
)

// Journal records and lists job outcomes.
type Journal interface {
	Record(ctx context.Context, o model.JobOutcome) error
	ListByJob(ctx context.Context, jobID string) ([]model.JobOutcome, error)
	ListRecent(ctx context.Context, limit int) ([]model.JobOutcome, error)
}

// MemoryJournal is an in-process Journal for tests and single-process runs.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []model.JobOutcome
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Record(_ context.Context, o model.JobOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, o)
	return nil
}

func (j *MemoryJournal) ListByJob(_ context.Context, jobID string) ([]model.JobOutcome, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []model.JobOutcome
	for _, o := range j.entries {
		if o.JobID == jobID {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListRecent returns up to limit entries, newest first. limit <= 0 returns all.
func (j *MemoryJournal) ListRecent(_ context.Context, limit int) ([]model.JobOutcome, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]model.JobOutcome, len(j.entries))
	copy(out, j.entries)
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns how many entries are in the given state.
func (j *MemoryJournal) Count(state model.JobState) int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := 0
	for _, o := range j.entries {
		if o.State == state {
			n++
		}
	}
	return n
}

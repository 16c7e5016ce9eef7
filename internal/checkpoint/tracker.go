package checkpoint

import (
	"fmt"
	"sync"
	"time"
)

// Tracker layers the progress invariants over a Store: lastPosted only ever
// moves forward, every outcome is flushed before the engine advances, and
// the terminal state is written exactly once.
type Tracker struct {
	mu    sync.Mutex
	store Store
	cp    *Checkpoint
}

// NewTracker loads the persisted checkpoint, or starts a fresh one when none
// exists. A persisted checkpoint whose total does not match the current
// export is rejected: it means the export changed under an in-flight
// migration and the resume position can no longer be trusted.
func NewTracker(store Store, runID string, total int) (*Tracker, error) {
	cp, err := store.Load()
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = New(runID, total)
	} else if cp.Total != total {
		return nil, fmt.Errorf("checkpoint total %d does not match export size %d; refusing to resume", cp.Total, total)
	}
	return &Tracker{store: store, cp: cp}, nil
}

func (t *Tracker) ResumeIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.ResumeIndex()
}

func (t *Tracker) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.Completed
}

func (t *Tracker) ErrorCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cp.Errors)
}

// Checkpoint returns a copy of the current snapshot for reporting.
func (t *Tracker) Checkpoint() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := *t.cp
	out.Errors = append([]DeliveryError(nil), t.cp.Errors...)
	return out
}

// RecordSuccess flushes delivery of message i. i must advance strictly; a
// rewind would corrupt the resume position.
func (t *Tracker) RecordSuccess(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i <= t.cp.LastPosted {
		return fmt.Errorf("lastPosted would move backwards: %d -> %d", t.cp.LastPosted, i)
	}
	t.cp.LastPosted = i
	t.cp.Posted++
	return t.store.Save(t.cp)
}

// RecordError appends a delivery error and flushes. It does not advance
// lastPosted: the failed index is retried if the run is restarted before a
// later message succeeds.
func (t *Tracker) RecordError(i int, sender, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.Errors = append(t.cp.Errors, DeliveryError{Index: i, Sender: sender, Message: message})
	return t.store.Save(t.cp)
}

// Finalize marks normal completion. Fatal halts never call this; they leave
// the checkpoint at its last flushed state for diagnosis and resumption.
func (t *Tracker) Finalize(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.Completed = true
	t.cp.CompletedAt = &now
	return t.store.Save(t.cp)
}

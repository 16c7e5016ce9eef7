// Package checkpoint persists delivery progress so a killed run resumes
// where it left off. Every write is a full synchronous overwrite of the
// snapshot; the checkpoint is the sole source of truth for the resume
// position (resume index = lastPosted + 1).
package checkpoint

import "time"

// DeliveryError is one message that failed delivery after its allowed
// retries. Appending one does not halt the run until the error budget is
// exceeded.
type DeliveryError struct {
	Index   int    `json:"index"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type Checkpoint struct {
	RunID       string          `json:"runId,omitempty"`
	LastPosted  int             `json:"lastPosted"`
	Total       int             `json:"total"`
	Posted      int             `json:"posted"`
	Errors      []DeliveryError `json:"errors"`
	Completed   bool            `json:"completed"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// New returns a zero-state checkpoint: nothing posted yet.
func New(runID string, total int) *Checkpoint {
	return &Checkpoint{RunID: runID, LastPosted: -1, Total: total}
}

func (c *Checkpoint) ResumeIndex() int { return c.LastPosted + 1 }

// Store persists checkpoint snapshots. Load returns (nil, nil) when nothing
// has been persisted yet; Save replaces the whole snapshot.
type Store interface {
	Load() (*Checkpoint, error)
	Save(*Checkpoint) error
}

// Package checkpoint persists graph state between super-steps so runs
// survive restarts and can be resumed or rewound.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for the query.
var ErrNotFound = errors.New("checkpoint: not found")

// Task records one in-flight dispatch at the time a checkpoint was
// written. Resume re-schedules these.
type Task struct {
	RunID    string         `json:"run_id"`
	Node     string         `json:"node"`
	Input    any            `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is one node in a thread's checkpoint tree. The leaf (no
// child) is the resume point.
type Checkpoint struct {
	ThreadID  string         `json:"thread_id"`
	ID        string         `json:"checkpoint_id"`
	ParentID  string         `json:"parent_checkpoint_id,omitempty"`
	Values    map[string]any `json:"values"`
	NextNodes []string       `json:"next_nodes,omitempty"`
	Tasks     []Task         `json:"tasks,omitempty"`
	Step      int            `json:"step"`
	CreatedAt time.Time      `json:"created_at"`
}

// Write is one intermediate channel write within a super-step, staged
// before the step's checkpoint lands.
type Write struct {
	TaskID  string `json:"task_id"`
	Index   int    `json:"idx"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Store is the checkpoint persistence interface. Implementations must
// support concurrent readers with a single writer per thread.
type Store interface {
	// Put persists a checkpoint atomically.
	Put(ctx context.Context, cp *Checkpoint) error

	// PutWrites stages intermediate writes for a pending super-step.
	PutWrites(ctx context.Context, threadID, checkpointID string, writes []Write) error

	// GetLatest returns the leaf checkpoint for a thread, or ErrNotFound.
	GetLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Get returns a specific checkpoint, or ErrNotFound.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// ListAncestry returns all checkpoints for a thread ordered from
	// root to leaf.
	ListAncestry(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// Delete removes all checkpoints for a thread.
	Delete(ctx context.Context, threadID string) error
}

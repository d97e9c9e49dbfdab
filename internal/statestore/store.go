// Package statestore defines the interface for persisting run state
// snapshots so that suspended runs can be resumed.
//
// # Why Statestore Exists
//
// The graph runtime must durably record the full run state at interrupt
// points and after every node. Isolating that behind an interface keeps the
// runtime ignorant of the backend: local runs and tests use the in-memory
// implementation, real runs use the filesystem store under the output
// directory.
//
// # Lifecycle
//
//  1. Created once per process and shared by all runs (keys are namespaced
//     by run and thread id, so runs never collide).
//  2. Written by the runtime after every node and at every suspension.
//  3. Read on resume: the latest snapshot for a (run_id, thread_id) pair is
//     the authoritative continuation point.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/vk/inspectgridgo/internal/state"
)

// ErrNotFound is returned by Latest when no snapshot exists for the run.
var ErrNotFound = errors.New("statestore: snapshot not found")

// Key addresses one snapshot.
type Key struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	NodePath string `json:"node_path"`
}

// Snapshot is a durable copy of the full run state taken after a node.
type Snapshot struct {
	Key     Key         `json:"key"`
	Seq     int         `json:"seq"`
	SavedAt time.Time   `json:"saved_at"`
	State   state.State `json:"state"`
}

// Store persists and retrieves run state snapshots.
//
// A Save failure is fatal for the current turn (the run may be restarted from
// the prior snapshot), so implementations must not swallow write errors.
type Store interface {
	// Save persists the state under the key, assigning the next sequence
	// number for the (run_id, thread_id) pair.
	Save(ctx context.Context, key Key, st state.State) error

	// Latest returns the most recent snapshot for a run thread, or
	// ErrNotFound.
	Latest(ctx context.Context, runID, threadID string) (*Snapshot, error)

	// History returns all snapshots for a run thread in sequence order.
	History(ctx context.Context, runID, threadID string) ([]*Snapshot, error)
}

// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the statestore.Store interface.
//
// It is the backend for tests and single-process local runs. State survives
// suspension and resumption within the process, but not a restart; runs that
// must survive a restart use the filesystem store instead.
package inmemorystore

import (
	"context"
	"sync"
	"time"

	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/statestore"
)

// Store keeps snapshots in a per-thread slice guarded by a single mutex.
// Snapshot writes are infrequent (once per node) so lock contention is not a
// concern here, unlike the hot node-state paths elsewhere.
type Store struct {
	mu   sync.Mutex
	runs map[string][]*statestore.Snapshot // key: runID + "/" + threadID
}

// New creates a new, empty in-memory snapshot store.
func New() *Store {
	return &Store{runs: make(map[string][]*statestore.Snapshot)}
}

func threadKey(runID, threadID string) string {
	return runID + "/" + threadID
}

// Save appends a snapshot with the next sequence number.
func (s *Store) Save(ctx context.Context, key statestore.Key, st state.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := threadKey(key.RunID, key.ThreadID)
	snap := &statestore.Snapshot{
		Key:     key,
		Seq:     len(s.runs[k]),
		SavedAt: time.Now().UTC(),
		State:   st,
	}
	s.runs[k] = append(s.runs[k], snap)
	return nil
}

// Latest returns the most recent snapshot for the run thread.
func (s *Store) Latest(ctx context.Context, runID, threadID string) (*statestore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.runs[threadKey(runID, threadID)]
	if len(snaps) == 0 {
		return nil, statestore.ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// History returns all snapshots in sequence order.
func (s *Store) History(ctx context.Context, runID, threadID string) ([]*statestore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.runs[threadKey(runID, threadID)]
	out := make([]*statestore.Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

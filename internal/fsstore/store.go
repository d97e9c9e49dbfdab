// Package fsstore persists run state snapshots as JSON files under the
// output directory, so a run can be resumed after a process restart.
//
// Layout: <root>/<run_id>/snapshots/<seq>_<node>.json. The sequence number is
// zero-padded so lexical order equals write order.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/statestore"
)

// Store writes snapshots under root. Safe for concurrent use by independent
// runs; a single run thread writes sequentially by construction.
type Store struct {
	root string

	mu   sync.Mutex
	seqs map[string]int
}

// New creates a filesystem snapshot store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir, seqs: make(map[string]int)}
}

func (s *Store) threadDir(runID, threadID string) string {
	return filepath.Join(s.root, runID, "snapshots", threadID)
}

// sanitizeNode keeps node paths filesystem-safe. Subgraph paths use '/' as a
// separator.
func sanitizeNode(node string) string {
	return strings.NewReplacer("/", "-", " ", "_").Replace(node)
}

// Save persists the state as a JSON snapshot file. A write failure is
// returned unwrapped enough for the runtime to treat it as fatal for the turn.
func (s *Store) Save(ctx context.Context, key statestore.Key, st state.State) error {
	dir := s.threadDir(key.RunID, key.ThreadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsstore: create snapshot dir: %w", err)
	}

	s.mu.Lock()
	seq, ok := s.seqs[dir]
	if !ok {
		seq = nextSeq(dir)
	}
	s.seqs[dir] = seq + 1
	s.mu.Unlock()

	snap := statestore.Snapshot{Key: key, Seq: seq, SavedAt: time.Now().UTC(), State: st}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("fsstore: marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("%06d_%s.json", seq, sanitizeNode(key.NodePath))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("fsstore: write snapshot: %w", err)
	}
	return nil
}

// nextSeq scans an existing snapshot directory so a restarted process
// continues the sequence instead of overwriting the earliest snapshots.
func nextSeq(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	next := 0
	for _, e := range entries {
		name := e.Name()
		i := strings.IndexByte(name, '_')
		if e.IsDir() || i < 0 || !strings.HasSuffix(name, ".json") {
			continue
		}
		if n, err := strconv.Atoi(name[:i]); err == nil && n+1 > next {
			next = n + 1
		}
	}
	return next
}

// Latest loads the highest-sequence snapshot for the run thread.
func (s *Store) Latest(ctx context.Context, runID, threadID string) (*statestore.Snapshot, error) {
	snaps, err := s.History(ctx, runID, threadID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, statestore.ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// History loads all snapshots for the run thread in sequence order.
func (s *Store) History(ctx context.Context, runID, threadID string) ([]*statestore.Snapshot, error) {
	dir := s.threadDir(runID, threadID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read snapshot dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*statestore.Snapshot, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("fsstore: read snapshot %s: %w", name, err)
		}
		var snap statestore.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("fsstore: decode snapshot %s: %w", name, err)
		}
		out = append(out, &snap)
	}
	return out, nil
}

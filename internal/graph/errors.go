package graph

import "errors"

var (
	// ErrRecursionExceeded aborts a run whose node dispatch count crossed the
	// configured recursion limit. The latest snapshot is preserved.
	ErrRecursionExceeded = errors.New("graph: recursion limit exceeded")

	// ErrSnapshotWrite marks a snapshot persistence failure. Fatal for the
	// current turn; the run may be restarted from the prior snapshot.
	ErrSnapshotWrite = errors.New("graph: snapshot write failed")

	// ErrUnknownNode is returned when an edge or cursor names a node that is
	// not registered in the graph.
	ErrUnknownNode = errors.New("graph: unknown node")

	// ErrNotSuspended is returned by Resume when the supplied state does not
	// carry a pending suspension cursor.
	ErrNotSuspended = errors.New("graph: run is not suspended")
)

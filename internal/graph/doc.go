// Package graph provides the state-graph runtime that executes the agentic
// inspection workflow: named nodes over a shared typed state, conditional
// edges, nested subgraphs, and suspension around human checkpoints.
//
// # Why Graph Exists
//
// Every agent in the system (supervisor, inspection, planner/critic,
// self-RAG) is expressed as a directed graph of nodes. A node is a pure
// function of the state that returns a partial-state patch; an edge is either
// unconditional or a function of the state naming the next node. Centralizing
// traversal, checkpointing and interruption here keeps the agents free of
// control-flow plumbing.
//
// # Execution model
//
// Execution is cooperative and single-threaded within a run: each node runs
// to completion before the next is dispatched, and the runtime yields only at
// interrupt points. Given the same state and edge functions, dispatch order
// is deterministic.
//
//   - **Nodes** return state.Patch values which are folded into the state
//     through the reducer table; nothing is mutated in place.
//   - **Subgraphs** are compiled graphs registered as nodes. They share the
//     run state and may themselves suspend; the suspension cursor records the
//     full nested node path.
//   - **Parallel nodes** dispatch branch subgraphs in declaration order over
//     a copy of the pre-fork state, then merge their accumulated patches with
//     the reducer table at the join. Scalar identity fields must agree.
//
// # Interruption protocol
//
// A node may be marked interrupt-before or interrupt-after. On hitting such a
// point the runtime snapshots the state, then returns an Outcome holding a
// Suspension: a cursor naming the next node to execute plus the cause taken
// from the state's purpose fields. Resume re-enters the graph at the cursor
// after writing the operator's resume value into the state.
//
// # Guard rails
//
// A run-scoped step counter aborts execution with ErrRecursionExceeded once
// the configured bound is crossed, and a snapshot write failure is fatal for
// the current turn (ErrSnapshotWrite) so the run can be restarted from the
// prior snapshot.
package graph

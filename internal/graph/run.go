package graph

import (
	"context"
	"fmt"

	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/statestore"
)

// Cursor addresses the next node to execute, as a path of node names from the
// root graph down through any subgraphs and parallel branches.
type Cursor struct {
	Path []string `json:"path"`
}

func (c Cursor) String() string {
	out := ""
	for i, p := range c.Path {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// Cause describes why a run suspended.
type Cause struct {
	Purpose  string `json:"purpose"`
	LastNode string `json:"last_node"`
	NextNode string `json:"next_node"`
}

// Suspension is the suspended half of an Outcome: where the run parked, why,
// and the state to resume from.
type Suspension struct {
	Cursor Cursor      `json:"cursor"`
	Cause  Cause       `json:"cause"`
	State  state.State `json:"state"`
}

// Outcome is the tagged result of a run turn: exactly one of Suspended or
// Completed is set.
type Outcome struct {
	Suspended *Suspension
	Completed *state.State
}

// ResumeValue carries the operator's decision back into a suspended run.
// Replacement is only meaningful for sub-activity review checkpoints.
type ResumeValue struct {
	Text        string
	Replacement []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore attaches a snapshot store; the runtime persists the full state
// after every node and at every suspension.
func WithStore(s statestore.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithRecursionLimit bounds the total number of node dispatches in one run.
func WithRecursionLimit(n int) Option {
	return func(r *Runner) { r.limit = n }
}

const defaultRecursionLimit = 100

// Runner executes a compiled graph with checkpointing and suspension.
type Runner struct {
	graph *Graph
	store statestore.Store
	limit int
}

// NewRunner wraps a compiled graph for execution.
func NewRunner(g *Graph, opts ...Option) *Runner {
	r := &Runner{graph: g, limit: defaultRecursionLimit}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the graph from its entry node on a fresh state.
func (r *Runner) Run(ctx context.Context, st state.State) (*Outcome, error) {
	return r.exec(ctx, st, nil)
}

// Resume re-enters a suspended run at the cursor. The resume value is written
// into the state first; the target field follows the suspension's purpose.
func (r *Runner) Resume(ctx context.Context, st state.State, cur Cursor, rv ResumeValue) (*Outcome, error) {
	if len(cur.Path) == 0 {
		return nil, ErrNotSuspended
	}

	patch := state.Patch{state.FieldOperatorFeedback: rv.Text}
	if st.Purpose == state.PurposeSubActivityReview && len(rv.Replacement) > 0 {
		patch[state.FieldSubQuestions] = rv.Replacement
		patch[state.FieldOperatorFeedback] = "y"
	}
	st, err := state.Apply(st, patch)
	if err != nil {
		return nil, err
	}
	return r.exec(ctx, st, &resumeFrame{path: cur.Path})
}

func (r *Runner) exec(ctx context.Context, st state.State, rf *resumeFrame) (*Outcome, error) {
	steps := 0
	rc := &runCtx{steps: &steps, limit: r.limit, store: r.store}
	res, err := r.graph.exec(ctx, rc, st, nil, rf)
	if err != nil {
		return nil, err
	}
	if res.susp != nil {
		return &Outcome{Suspended: res.susp}, nil
	}
	final := res.state
	return &Outcome{Completed: &final}, nil
}

// runCtx carries run-scoped execution bookkeeping across nested graphs.
type runCtx struct {
	steps *int
	limit int
	store statestore.Store
}

// resumeFrame is the remaining cursor path while descending to the resume
// point. It is consumed level by level.
type resumeFrame struct {
	path []string
}

// execResult is what one graph level hands back to its parent: the state
// after its nodes ran, the accumulated net patch (for parallel joins), and a
// suspension if one of its nodes parked.
type execResult struct {
	state state.State
	acc   state.Patch
	susp  *Suspension
}

func (g *Graph) exec(ctx context.Context, rc *runCtx, st state.State, prefix []string, rf *resumeFrame) (execResult, error) {
	logger := ctxlog.FromContext(ctx).With("graph", g.name)
	acc := state.Patch{}
	prev := ""

	cur := g.entry
	if rf != nil && len(rf.path) > 0 {
		cur = rf.path[0]
		if cur == End {
			return execResult{state: st, acc: acc}, nil
		}
		if _, ok := g.nodes[cur]; !ok {
			return execResult{}, fmt.Errorf("graph %q: cursor %q: %w", g.name, cur, ErrUnknownNode)
		}
	}

	for cur != End {
		*rc.steps++
		if *rc.steps > rc.limit {
			return execResult{}, fmt.Errorf("%w: %d nodes dispatched", ErrRecursionExceeded, *rc.steps)
		}

		path := append(append([]string{}, prefix...), cur)
		resumingHere := rf != nil && len(rf.path) > 0 && rf.path[0] == cur

		// Suspend in front of marked nodes, unless we are resuming at this
		// node or descending through it to a deeper resume point.
		if g.interruptBefore[cur] && !resumingHere {
			susp, st2, err := g.suspend(ctx, rc, st, path, prev, cur)
			if err != nil {
				return execResult{}, err
			}
			acc, err = foldCursorFields(acc, st2)
			if err != nil {
				return execResult{}, err
			}
			return execResult{state: st2, acc: acc, susp: susp}, nil
		}

		var innerFrame *resumeFrame
		if resumingHere && len(rf.path) > 1 {
			innerFrame = &resumeFrame{path: rf.path[1:]}
		}

		node := g.nodes[cur]
		logger.Debug("Dispatching node.", "node", cur, "step", *rc.steps)

		var err error
		switch node.kind {
		case kindFunc:
			var patch state.Patch
			patch, err = node.fn(ctx, &st)
			if err == nil {
				st, err = state.Apply(st, patch)
				if err == nil {
					acc, err = state.MergePatches(acc, patch)
				}
			}
		case kindSubgraph:
			var res execResult
			res, err = node.subgraph.exec(ctx, rc, st, path, innerFrame)
			if err == nil {
				st = res.state
				acc, err = state.MergePatches(acc, res.acc)
				if err == nil && res.susp != nil {
					return execResult{state: st, acc: acc, susp: res.susp}, nil
				}
			}
		case kindParallel:
			var res execResult
			res, err = g.execParallel(ctx, rc, node, st, path, innerFrame)
			if err == nil {
				st = res.state
				acc, err = state.MergePatches(acc, res.acc)
				if err == nil && res.susp != nil {
					return execResult{state: st, acc: acc, susp: res.susp}, nil
				}
			}
		}
		if err != nil {
			return execResult{}, fmt.Errorf("graph %q: node %q: %w", g.name, cur, err)
		}

		// The resume frame is consumed once its target node has executed.
		if resumingHere {
			rf = nil
		}

		if err := g.snapshot(ctx, rc, st, path); err != nil {
			return execResult{}, err
		}

		next, err := g.next(cur, &st)
		if err != nil {
			return execResult{}, err
		}

		if g.interruptAfter[cur] {
			nextPath := append(append([]string{}, prefix...), next)
			susp, st2, err := g.suspend(ctx, rc, st, nextPath, cur, next)
			if err != nil {
				return execResult{}, err
			}
			acc, err = foldCursorFields(acc, st2)
			if err != nil {
				return execResult{}, err
			}
			return execResult{state: st2, acc: acc, susp: susp}, nil
		}

		prev = cur
		cur = next
	}

	return execResult{state: st, acc: acc}, nil
}

// execParallel dispatches the branches of a fan-out node in declaration
// order. Each branch's net patch is folded into the shared state as it
// completes, so a later-suspending branch snapshots a state that already
// carries the finished branches' updates; on resume only the suspended branch
// and any branches after it run.
func (g *Graph) execParallel(ctx context.Context, rc *runCtx, node *nodeDef, st state.State, path []string, rf *resumeFrame) (execResult, error) {
	acc := state.Patch{}

	resumeBranch := ""
	var innerFrame *resumeFrame
	if rf != nil && len(rf.path) > 0 {
		resumeBranch = rf.path[0]
		if len(rf.path) > 1 {
			innerFrame = &resumeFrame{path: rf.path[1:]}
		}
	}

	skipping := resumeBranch != ""
	for _, br := range node.branches {
		if skipping {
			if br.Name != resumeBranch {
				continue // already folded before the suspension
			}
			skipping = false
		}

		branchPath := append(append([]string{}, path...), br.Name)
		var frame *resumeFrame
		if br.Name == resumeBranch {
			frame = innerFrame
		}

		res, err := br.Graph.exec(ctx, rc, st, branchPath, frame)
		if err != nil {
			return execResult{}, fmt.Errorf("branch %q: %w", br.Name, err)
		}
		st = res.state
		acc, err = state.MergePatches(acc, res.acc)
		if err != nil {
			return execResult{}, fmt.Errorf("branch %q join: %w", br.Name, err)
		}
		if res.susp != nil {
			return execResult{state: st, acc: acc, susp: res.susp}, nil
		}
	}

	return execResult{state: st, acc: acc}, nil
}

// suspend records the cursor fields into the state, snapshots it, and builds
// the Suspension handed back to the caller.
func (g *Graph) suspend(ctx context.Context, rc *runCtx, st state.State, path []string, lastNode, nextNode string) (*Suspension, state.State, error) {
	st2, err := state.Apply(st, state.Patch{
		state.FieldLastNode: lastNode,
		state.FieldNextNode: nextNode,
	})
	if err != nil {
		return nil, st, err
	}
	if err := g.snapshot(ctx, rc, st2, path); err != nil {
		return nil, st, err
	}
	ctxlog.FromContext(ctx).Info("Run suspended awaiting operator input.",
		"graph", g.name, "cursor", Cursor{Path: path}.String(), "purpose", st2.Purpose)
	return &Suspension{
		Cursor: Cursor{Path: path},
		Cause:  Cause{Purpose: st2.Purpose, LastNode: lastNode, NextNode: nextNode},
		State:  st2,
	}, st2, nil
}

func (g *Graph) snapshot(ctx context.Context, rc *runCtx, st state.State, path []string) error {
	if rc.store == nil {
		return nil
	}
	key := statestore.Key{RunID: st.RunID, ThreadID: st.ThreadID, NodePath: Cursor{Path: path}.String()}
	if err := rc.store.Save(ctx, key, st); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotWrite, err)
	}
	return nil
}

// foldCursorFields keeps the accumulated patch consistent with the cursor
// bookkeeping written by suspend.
func foldCursorFields(acc state.Patch, st state.State) (state.Patch, error) {
	return state.MergePatches(acc, state.Patch{
		state.FieldLastNode: st.LastNode,
		state.FieldNextNode: st.NextNode,
	})
}

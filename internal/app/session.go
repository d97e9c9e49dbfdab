package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/hitl"
	"github.com/vk/inspectgridgo/internal/notify"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/statestore"
)

// Session drives one run to completion: it executes the supervisor graph and
// services every suspension through the operator channel until the run
// completes.
type Session struct {
	Runner   *graph.Runner
	Channel  *hitl.Channel
	Notifier notify.Notifier
	Store    statestore.Store
}

// Drive starts a fresh run and services suspensions until completion.
func (s *Session) Drive(ctx context.Context, st state.State) (*state.State, error) {
	outcome, err := s.Runner.Run(ctx, st)
	if err != nil {
		return nil, err
	}
	return s.serve(ctx, outcome)
}

// Redrive continues an interrupted run from its latest snapshot. The snapshot
// cursor points at the checkpoint the run was parked in front of; re-entering
// with an empty decision parks it there again and re-asks the operator.
func (s *Session) Redrive(ctx context.Context, runID, threadID string) (*state.State, error) {
	snap, err := s.Store.Latest(ctx, runID, threadID)
	if err != nil {
		return nil, fmt.Errorf("app: load snapshot for %s: %w", runID, err)
	}
	cursor := graph.Cursor{Path: strings.Split(snap.Key.NodePath, "/")}
	outcome, err := s.Runner.Resume(ctx, snap.State, cursor, graph.ResumeValue{})
	if err != nil {
		return nil, err
	}
	return s.serve(ctx, outcome)
}

func (s *Session) serve(ctx context.Context, outcome *graph.Outcome) (*state.State, error) {
	for outcome.Suspended != nil {
		susp := outcome.Suspended
		s.Notifier.Notify(ctx, notify.EventSuspended, map[string]any{
			"run_id":  susp.State.RunID,
			"purpose": susp.Cause.Purpose,
			"cursor":  susp.Cursor.String(),
		})
		if err := s.Channel.Publish(ctx, susp); err != nil {
			return nil, err
		}

		act, err := s.Channel.Await(ctx, susp.State.RunID, susp.Cause.Purpose)
		if err != nil {
			return nil, err
		}

		outcome, err = s.Runner.Resume(ctx, susp.State, susp.Cursor, act.Value)
		if err != nil {
			return nil, err
		}
	}
	return outcome.Completed, nil
}

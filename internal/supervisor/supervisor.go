// Package supervisor owns the outermost run loop: it walks the trigger list,
// fans each live trigger out into report preparation and the inspection flow,
// aggregates a per-domain risk profile at the join, and renders the final
// manifest when the list is exhausted.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vk/inspectgridgo/internal/artifacts"
	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/notify"
	"github.com/vk/inspectgridgo/internal/state"
)

// ReportRunner prepares the readiness report skeleton for one trigger. It runs
// in parallel with the inspection flow; its patch merges at the join.
type ReportRunner interface {
	Profile(ctx context.Context, st *state.State) (state.Patch, error)
}

// StubReporter is the default ReportRunner: it records that a report was
// queued for the trigger. Rendering happens at finalize.
type StubReporter struct{}

// Profile implements ReportRunner.
func (StubReporter) Profile(ctx context.Context, st *state.State) (state.Patch, error) {
	t := st.CurrentTrigger()
	if t == nil {
		return state.Patch{}, nil
	}
	return state.Patch{
		state.FieldMessages: []state.Message{{
			Agent: "reporter",
			Text:  fmt.Sprintf("Queued readiness report for site %s, trial %s.", t.SiteID, t.TrialID),
			At:    time.Now().UTC(),
		}},
	}, nil
}

// Engine wires the supervisor graph.
type Engine struct {
	inspection *graph.Graph
	reporter   ReportRunner
	writer     *artifacts.Writer
	renderer   artifacts.ReportRenderer
	notifier   notify.Notifier
}

// New builds the engine. A nil notifier falls back to the no-op notifier.
func New(inspection *graph.Graph, reporter ReportRunner, writer *artifacts.Writer, renderer artifacts.ReportRenderer, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{inspection: inspection, reporter: reporter, writer: writer, renderer: renderer, notifier: notifier}
}

// Graph compiles the supervisor.
func (e *Engine) Graph() (*graph.Graph, error) {
	report, err := graph.NewBuilder("report").
		AddNode("risk_profile", e.reporter.Profile).
		SetEntry("risk_profile").
		AddEdge("risk_profile", graph.End).
		Compile()
	if err != nil {
		return nil, err
	}

	return graph.NewBuilder("supervisor").
		AddNode("select_trigger", e.selectTrigger).
		AddNode("skip_trigger", e.skipTrigger).
		AddParallel("process",
			graph.Branch{Name: "report", Graph: report},
			graph.Branch{Name: "inspection", Graph: e.inspection},
		).
		AddNode("aggregate", e.aggregate).
		AddNode("advance_trigger", e.advanceTrigger).
		AddNode("finalize", e.finalize).
		SetEntry("select_trigger").
		AddConditionalEdge("select_trigger", e.afterSelect).
		AddEdge("skip_trigger", "select_trigger").
		AddEdge("process", "aggregate").
		AddEdge("aggregate", "advance_trigger").
		AddEdge("advance_trigger", "select_trigger").
		AddEdge("finalize", graph.End).
		Compile()
}

// selectTrigger logs what the cursor points at; routing happens in the edge.
func (e *Engine) selectTrigger(ctx context.Context, st *state.State) (state.Patch, error) {
	t := st.CurrentTrigger()
	if t == nil {
		ctxlog.FromContext(ctx).Info("Trigger list exhausted, finalizing run.", slog.Int("triggers", len(st.Triggers)))
		return state.Patch{}, nil
	}
	ctxlog.FromContext(ctx).Info("Selecting trigger.",
		slog.Int("index", st.TriggerIndex),
		slog.String("site", t.SiteID),
		slog.String("trial", t.TrialID),
		slog.Any("domains", t.Domains))
	return state.Patch{}, nil
}

func (e *Engine) afterSelect(st *state.State) string {
	t := st.CurrentTrigger()
	switch {
	case t == nil:
		return "finalize"
	case len(t.Domains) == 0, st.AllDomainsDone(t):
		return "skip_trigger"
	default:
		return "process"
	}
}

// skipTrigger records why a trigger was passed over and moves the cursor.
func (e *Engine) skipTrigger(ctx context.Context, st *state.State) (state.Patch, error) {
	t := st.CurrentTrigger()
	var note string
	if len(t.Domains) == 0 {
		note = fmt.Sprintf("Trigger %d (site %s, trial %s) declares no domains; nothing to review.", st.TriggerIndex, t.SiteID, t.TrialID)
	} else {
		note = fmt.Sprintf("Trigger %d (site %s, trial %s) already complete; skipping.", st.TriggerIndex, t.SiteID, t.TrialID)
	}
	ctxlog.FromContext(ctx).Info(note)
	e.notifier.Notify(ctx, notify.EventNotice, map[string]any{"run_id": st.RunID, "note": note})

	return state.Patch{
		state.FieldNotifications: []string{note},
		state.FieldTriggerIndex:  st.TriggerIndex + 1,
		state.FieldDomainIndex:   0,
	}, nil
}

// aggregate scores each reviewed domain of the trigger: one point per
// finding, two per extracted discrepancy file, three per failed synthesis.
// The scores land in the notifications and in a per-trigger JSON record.
func (e *Engine) aggregate(ctx context.Context, st *state.State) (state.Patch, error) {
	t := st.CurrentTrigger()
	if t == nil {
		return state.Patch{}, nil
	}

	var notes []string
	scores := make(map[string]int, len(t.Domains))
	for _, domain := range t.Domains {
		score := 0
		for _, f := range st.Findings {
			if !strings.HasPrefix(f.ActivityID, domain+"_") {
				continue
			}
			score++
			if f.Conclusion == llm.FailedOutput {
				score += 3
			}
			if _, ok := st.FilePaths["discrepancy_"+f.ActivityID]; ok {
				score += 2
			}
		}
		scores[domain] = score
		notes = append(notes, fmt.Sprintf("risk_score site=%s trial=%s domain=%s score=%d", t.SiteID, t.TrialID, domain, score))
	}
	ctxlog.FromContext(ctx).Info("Aggregated trigger risk profile.", slog.Any("scores", notes))

	patch := state.Patch{state.FieldNotifications: notes}
	path, err := e.writer.WriteRiskScores(st.RunID, artifacts.RiskScoreFile{
		SiteID:   t.SiteID,
		TrialID:  t.TrialID,
		Scores:   scores,
		ScoredAt: time.Now().UTC(),
	})
	if err != nil {
		ctxlog.FromContext(ctx).Error("Could not persist trigger risk scores.", slog.Any("error", err))
		return patch, nil
	}
	patch[state.FieldFilePaths] = map[string]string{
		fmt.Sprintf("risk_scores_%s_%s", t.SiteID, t.TrialID): path,
	}
	return patch, nil
}

// advanceTrigger moves to the next trigger with a fresh domain cursor.
func (e *Engine) advanceTrigger(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{
		state.FieldTriggerIndex: st.TriggerIndex + 1,
		state.FieldDomainIndex:  0,
	}, nil
}

// finalize renders the run manifest and announces completion.
func (e *Engine) finalize(ctx context.Context, st *state.State) (state.Patch, error) {
	path, err := e.renderer.Render(st.RunID, artifacts.Manifest{
		RunID:       st.RunID,
		CompletedAt: time.Now().UTC(),
		Findings:    st.Findings,
		FilePaths:   st.FilePaths,
		Notes:       st.Notifications,
	})
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Info("Run complete.", slog.String("manifest", path))
	e.notifier.Notify(ctx, notify.EventCompleted, map[string]any{"run_id": st.RunID, "manifest": path})

	return state.Patch{
		state.FieldFilePaths:     map[string]string{"manifest": path},
		state.FieldNotifications: []string{"final report written to " + path},
	}, nil
}

// Package inspection drives one trigger through its domains and activities:
// ingest the domain corpora, plan each activity, answer the plan's
// sub-questions through the retrieval loop, synthesize a finding, hold it for
// operator review, then extract discrepancy rows before moving on.
package inspection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vk/inspectgridgo/internal/artifacts"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/ingest"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/retriever"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

// windowSize is how many rows one discrepancy-extraction prompt sees.
const windowSize = 15

// Engine wires the per-trigger review flow.
type Engine struct {
	model    llm.ChatModel
	catalog  *config.Catalog
	ingestor *ingest.Ingestor
	summary  retriever.Retriever
	writer   *artifacts.Writer

	planGraph *graph.Graph
	ragGraph  *graph.Graph
}

// New builds the engine around compiled planner and retrieval subgraphs.
func New(model llm.ChatModel, catalog *config.Catalog, ingestor *ingest.Ingestor, summary retriever.Retriever, writer *artifacts.Writer, planGraph, ragGraph *graph.Graph) *Engine {
	return &Engine{
		model:     model,
		catalog:   catalog,
		ingestor:  ingestor,
		summary:   summary,
		writer:    writer,
		planGraph: planGraph,
		ragGraph:  ragGraph,
	}
}

// Graph compiles the trigger review flow.
func (e *Engine) Graph() (*graph.Graph, error) {
	return graph.NewBuilder("inspection").
		AddNode("prepare_domain", e.prepareDomain).
		AddNode("next_activity", e.nextActivity).
		AddSubgraph("plan_review", e.planGraph).
		AddSubgraph("answer_sub", e.ragGraph).
		AddNode("synthesize", e.synthesize).
		AddNode("review", checkpoint).
		AddNode("incorporate", e.incorporate).
		AddNode("record_finding", e.recordFinding).
		AddNode("discrepancies", e.discrepancies).
		AddNode("advance", e.advance).
		AddNode("complete_domain", e.completeDomain).
		SetEntry("prepare_domain").
		AddConditionalEdge("prepare_domain", e.afterPrepare).
		AddEdge("next_activity", "plan_review").
		AddEdge("plan_review", "answer_sub").
		AddConditionalEdge("answer_sub", e.afterAnswer).
		AddEdge("synthesize", "review").
		AddConditionalEdge("review", afterReview).
		AddEdge("incorporate", "synthesize").
		AddEdge("record_finding", "discrepancies").
		AddEdge("discrepancies", "advance").
		AddConditionalEdge("advance", e.afterAdvance).
		AddConditionalEdge("complete_domain", e.afterComplete).
		InterruptBefore("review").
		Compile()
}

// prepareDomain points the cursor at the current domain and makes its corpora
// ready. Reingestion follows the trigger's flag.
func (e *Engine) prepareDomain(ctx context.Context, st *state.State) (state.Patch, error) {
	trigger := st.CurrentTrigger()
	if trigger == nil {
		return nil, fmt.Errorf("inspection: no trigger under cursor")
	}
	if st.DomainIndex >= len(trigger.Domains) {
		return nil, fmt.Errorf("inspection: domain cursor %d out of range (%d domains)", st.DomainIndex, len(trigger.Domains))
	}
	domain := trigger.Domains[st.DomainIndex]

	if err := e.ingestor.EnsureDomain(ctx, domain, trigger.Reingest); err != nil {
		return nil, err
	}
	return state.Patch{
		state.FieldDomain:        domain,
		state.FieldActivityIndex: 0,
		state.FieldMessages:      e.note(ctx, st.RunID, "inspection", fmt.Sprintf("Starting domain %s for site %s, trial %s.", domain, trigger.SiteID, trigger.TrialID)),
	}, nil
}

// afterPrepare skips domains that are already complete or have no catalog
// activities.
func (e *Engine) afterPrepare(st *state.State) string {
	if st.DomainDone[state.DomainKey(st.CurrentTrigger(), st.Domain)] || !e.catalog.HasDomain(st.Domain) {
		return "complete_domain"
	}
	return "next_activity"
}

// nextActivity loads the activity under the cursor and clears the per-activity
// working set.
func (e *Engine) nextActivity(ctx context.Context, st *state.State) (state.Patch, error) {
	acts := e.catalog.PrefixedActivities(st.Domain)
	if st.ActivityIndex >= len(acts) {
		return nil, fmt.Errorf("inspection: activity cursor %d out of range (%d activities)", st.ActivityIndex, len(acts))
	}
	activity := acts[st.ActivityIndex]
	id := activityID(activity)

	return state.Patch{
		state.FieldActivity:           activity,
		state.FieldActivityID:         id,
		state.FieldQAPairs:            "",
		state.FieldSubQuestions:       []string{},
		state.FieldSubIndex:           0,
		state.FieldRevisionNumber:     0,
		state.FieldCriticFeedback:     "",
		state.FieldSpecialInstruction: "",
		state.FieldOperatorFeedback:   "",
		state.FieldMessages:           e.note(ctx, st.RunID, "inspection", "Reviewing activity "+id+"."),
	}, nil
}

// afterAnswer loops the retrieval subgraph until every sub-question of the
// plan has an answer.
func (e *Engine) afterAnswer(st *state.State) string {
	if st.SubIndex < len(st.SubQuestions) {
		return "answer_sub"
	}
	return "synthesize"
}

// synthesize turns the activity's Q/A transcript into a conclusion, persists
// both, and stages the operator review checkpoint.
func (e *Engine) synthesize(ctx context.Context, st *state.State) (state.Patch, error) {
	logger := ctxlog.FromContext(ctx)

	prompt := fmt.Sprintf(
		"Activity:\n%s\n\nAnswered sub-questions:\n%s\n\nWrite the inspection readiness conclusion for this activity: what was checked, what the records show, and any open risks. Be specific and cite the evidence from the answers.",
		st.Activity, st.QAPairs)
	if st.SpecialInstruction != "" {
		prompt += "\n\nOperator instruction for this revision: " + st.SpecialInstruction
	}

	conclusion, err := e.model.Chat(ctx, llm.Request{
		System: "You synthesize clinical inspection readiness findings.",
		Prompt: prompt,
	})
	if err != nil {
		logger.Error("Conclusion synthesis failed, recording the failure marker.", slog.Any("error", err))
		conclusion = llm.FailedOutput
	}
	conclusion = strings.TrimSpace(conclusion)

	paths := map[string]string{}
	if p, err := e.writer.WriteFinding(st.RunID, st.ActivityID, st.Activity, st.QAPairs, conclusion); err == nil {
		paths["finding_"+st.ActivityID] = p
	} else {
		logger.Error("Could not persist activity finding.", slog.Any("error", err))
	}
	if p, err := e.writer.WriteConclusion(st.RunID, st.ActivityID, st.Activity, conclusion); err == nil {
		paths["conclusion_"+st.ActivityID] = p
	} else {
		logger.Error("Could not persist activity conclusion.", slog.Any("error", err))
	}

	return state.Patch{
		state.FieldPurpose:          state.PurposeUserFeedback,
		state.FieldOperatorFeedback: "",
		state.FieldFilePaths:        paths,
		state.FieldMessages:         e.note(ctx, st.RunID, "synthesizer", conclusion),
	}, nil
}

// checkpoint anchors the operator review; the runtime suspends in front of it.
func checkpoint(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{}, nil
}

// afterReview reads the operator's verdict on the conclusion: approval moves
// on, an empty decision parks the run again, and free text becomes a revision
// instruction.
func afterReview(st *state.State) string {
	switch st.OperatorFeedback {
	case "y":
		return "record_finding"
	case "":
		return "review"
	default:
		return "incorporate"
	}
}

// incorporate converts operator feedback into the special instruction the
// next synthesis pass honors.
func (e *Engine) incorporate(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{
		state.FieldSpecialInstruction: st.OperatorFeedback,
		state.FieldOperatorFeedback:   "",
	}, nil
}

// recordFinding appends the approved conclusion to the run's findings.
func (e *Engine) recordFinding(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{
		state.FieldFindings: []state.Finding{{
			ActivityID: st.ActivityID,
			AllQA:      st.QAPairs,
			Conclusion: lastMessageOf(st, "synthesizer"),
		}},
	}, nil
}

// discrepancies extracts the raw rows behind the finding: one coarse pass
// picks the columns of interest, each window of rows gets a fine pass picking
// the discrepant ones, then a final pass consolidates the union of the window
// selections. Nothing selected means no file, not a failure.
func (e *Engine) discrepancies(ctx context.Context, st *state.State) (state.Patch, error) {
	logger := ctxlog.FromContext(ctx)
	trigger := st.CurrentTrigger()
	if trigger == nil {
		return nil, fmt.Errorf("inspection: no trigger under cursor")
	}
	scope := retriever.Scope{SiteID: trigger.SiteID, TrialID: trigger.TrialID, Domain: st.Domain}

	rc, err := e.summary.Retrieve(ctx, scope, st.Activity, 1)
	switch {
	case errors.Is(err, retriever.ErrEmptyResult), errors.Is(err, vectorstore.ErrCollectionMissing):
		logger.Warn("No site-data rows available for discrepancy extraction.", slog.String("activity_id", st.ActivityID))
		return state.Patch{}, nil
	case err != nil:
		return nil, err
	}

	cols := rc.Columns
	pick, err := llm.Structured[llm.ColumnPick](ctx, e.model, llm.Request{
		System: "You select the table columns relevant to an inspection finding.",
		Prompt: fmt.Sprintf(
			"Activity:\n%s\nConclusion:\n%s\nTable %s columns: %s\n\nAnswer with JSON {\"columns\": [...]} listing the columns that evidence the finding.",
			st.Activity, lastMessageOf(st, "synthesizer"), rc.Table, strings.Join(cols, ", ")),
	})
	if err == nil && len(pick.Columns) > 0 {
		if narrowed := intersect(cols, pick.Columns); len(narrowed) > 0 {
			cols = narrowed
		}
	} else if err != nil && !errors.Is(err, llm.ErrBadStructuredOutput) {
		return nil, err
	}

	var selected []map[string]string
	for base := 0; base < len(rc.Rows); base += windowSize {
		end := base + windowSize
		if end > len(rc.Rows) {
			end = len(rc.Rows)
		}
		window := rc.Rows[base:end]

		out, err := llm.Structured[llm.RowPick](ctx, e.model, llm.Request{
			System: "You pick the discrepant rows from a window of site records.",
			Prompt: fmt.Sprintf(
				"Activity:\n%s\n\nRows (index: values):\n%s\nAnswer with JSON {\"indices\": [...]} naming the discrepant row indices from this window.",
				st.Activity, renderWindow(window, cols, base)),
		})
		if errors.Is(err, llm.ErrBadStructuredOutput) {
			logger.Warn("Row selection output unusable for window, skipping it.", slog.Int("window_start", base))
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, idx := range out.Indices {
			if idx >= base && idx < end {
				selected = append(selected, project(rc.Rows[idx], cols))
			}
		}
	}

	selected, err = e.consolidate(ctx, st, selected, cols)
	if err != nil {
		return nil, err
	}

	if len(selected) == 0 {
		logger.Warn("Discrepancy extraction selected no rows, writing no file.", slog.String("activity_id", st.ActivityID))
		return state.Patch{state.FieldMessages: e.note(ctx, st.RunID, "extractor", "No discrepancy rows identified for "+st.ActivityID+".")}, nil
	}

	path, err := e.writer.WriteDiscrepancies(st.RunID, artifacts.DiscrepancyFile{
		ActivityID:  st.ActivityID,
		Table:       rc.Table,
		Columns:     cols,
		Rows:        selected,
		ExtractedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return state.Patch{
		state.FieldFilePaths: map[string]string{"discrepancy_" + st.ActivityID: path},
		state.FieldMessages:  e.note(ctx, st.RunID, "extractor", fmt.Sprintf("Extracted %d discrepancy rows for %s.", len(selected), st.ActivityID)),
	}, nil
}

// consolidate runs the final extraction pass: the union of the per-window
// selections is judged once more as a whole, dropping rows that no longer look
// discrepant next to the rest. An unusable verdict keeps the union.
func (e *Engine) consolidate(ctx context.Context, st *state.State, selected []map[string]string, cols []string) ([]map[string]string, error) {
	if len(selected) == 0 {
		return selected, nil
	}

	out, err := llm.Structured[llm.RowPick](ctx, e.model, llm.Request{
		System: "You consolidate discrepant rows selected across windows of site records.",
		Prompt: fmt.Sprintf(
			"Activity:\n%s\n\nCandidate rows (index: values):\n%s\nAnswer with JSON {\"indices\": [...]} keeping only the rows that are genuinely discrepant when judged together. Drop duplicates.",
			st.Activity, renderWindow(selected, cols, 0)),
	})
	if errors.Is(err, llm.ErrBadStructuredOutput) {
		ctxlog.FromContext(ctx).Warn("Consolidation output unusable, keeping the window selections.",
			slog.String("activity_id", st.ActivityID))
		return selected, nil
	}
	if err != nil {
		return nil, err
	}

	var kept []map[string]string
	for _, idx := range out.Indices {
		if idx >= 0 && idx < len(selected) {
			kept = append(kept, selected[idx])
		}
	}
	return kept, nil
}

// advance moves the activity cursor and clears checkpoint bookkeeping.
func (e *Engine) advance(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{
		state.FieldActivityIndex:      st.ActivityIndex + 1,
		state.FieldPurpose:            "",
		state.FieldOperatorFeedback:   "",
		state.FieldSpecialInstruction: "",
	}, nil
}

func (e *Engine) afterAdvance(st *state.State) string {
	if st.ActivityIndex < len(e.catalog.PrefixedActivities(st.Domain)) {
		return "next_activity"
	}
	return "complete_domain"
}

// completeDomain flags the domain done and moves the domain cursor. A domain
// absent from the catalog completes immediately with a notification.
func (e *Engine) completeDomain(ctx context.Context, st *state.State) (state.Patch, error) {
	patch := state.Patch{
		state.FieldDomainDone:  map[string]bool{state.DomainKey(st.CurrentTrigger(), st.Domain): true},
		state.FieldDomainIndex: st.DomainIndex + 1,
	}
	if !e.catalog.HasDomain(st.Domain) {
		note := fmt.Sprintf("Domain %s has no catalog activities; nothing was reviewed.", st.Domain)
		patch[state.FieldNotifications] = []string{note}
		patch[state.FieldMessages] = e.note(ctx, st.RunID, "inspection", note)
	}
	return patch, nil
}

func (e *Engine) afterComplete(st *state.State) string {
	trigger := st.CurrentTrigger()
	if trigger != nil && st.DomainIndex < len(trigger.Domains) {
		return "prepare_domain"
	}
	return graph.End
}

// note builds a message delta and mirrors it into the run's scratch pad.
// Scratch writes are best-effort; the state copy is authoritative.
func (e *Engine) note(ctx context.Context, runID, agent, text string) []state.Message {
	if err := e.writer.AppendScratch(runID, agent+": "+text); err != nil {
		ctxlog.FromContext(ctx).Warn("Scratch pad write failed.", slog.Any("error", err))
	}
	return []state.Message{{Agent: agent, Text: text, At: time.Now().UTC()}}
}

// activityID pulls the identifier out of a prefixed activity string.
func activityID(activity string) string {
	start := strings.Index(activity, "#")
	end := strings.Index(activity, ">")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return activity[start+1 : end]
}

func lastMessageOf(st *state.State, agent string) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Agent == agent {
			return st.Messages[i].Text
		}
	}
	return ""
}

func intersect(have, want []string) []string {
	set := map[string]bool{}
	for _, w := range want {
		set[w] = true
	}
	var out []string
	for _, h := range have {
		if set[h] {
			out = append(out, h)
		}
	}
	return out
}

func project(row map[string]string, cols []string) map[string]string {
	out := make(map[string]string, len(cols))
	for _, c := range cols {
		out[c] = row[c]
	}
	return out
}

func renderWindow(rows []map[string]string, cols []string, base int) string {
	var b strings.Builder
	for i, row := range rows {
		vals := make([]string, len(cols))
		for j, c := range cols {
			vals[j] = row[c]
		}
		fmt.Fprintf(&b, "%d: %s\n", base+i, strings.Join(vals, " | "))
	}
	return b.String()
}

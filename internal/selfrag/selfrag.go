// Package selfrag implements the per-sub-question retrieval loop: route to a
// retriever, retrieve, grade the context, rewrite the query when the grader
// rejects it, then answer from whatever context survived. Rewrites and
// retrievals are both budgeted, so the loop always terminates at an answer.
package selfrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/retriever"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

// Column names with special handling in site-data answers.
const (
	colEndDate         = "End_Date"
	colDaysOutstanding = "Number_Days_Outstanding"
)

// noContextNotice is the stand-in context handed to the answer prompt when
// retrieval came back empty. The answer must say so rather than invent.
const noContextNotice = "No supporting context was retrieved for this question."

// Engine owns the model and retrievers the loop nodes close over.
type Engine struct {
	model      llm.ChatModel
	summary    retriever.Retriever
	guidelines retriever.Retriever

	topK               int
	maxToolCalls       int
	maxRelevancyChecks int
}

// New builds the loop engine.
func New(model llm.ChatModel, summary, guidelines retriever.Retriever, topK, maxToolCalls, maxRelevancyChecks int) *Engine {
	return &Engine{
		model:              model,
		summary:            summary,
		guidelines:         guidelines,
		topK:               topK,
		maxToolCalls:       maxToolCalls,
		maxRelevancyChecks: maxRelevancyChecks,
	}
}

// Graph compiles the retrieval loop as a reusable subgraph. One pass answers
// the sub-question under the cursor and advances it.
func (e *Engine) Graph() (*graph.Graph, error) {
	return graph.NewBuilder("self_rag").
		AddNode("route", e.route).
		AddNode("retrieve", e.retrieve).
		AddNode("grade", e.grade).
		AddNode("rewrite", e.rewrite).
		AddNode("answer", e.answer).
		AddNode("record", e.record).
		SetEntry("route").
		AddEdge("route", "retrieve").
		AddEdge("retrieve", "grade").
		AddConditionalEdge("grade", e.afterGrade).
		AddEdge("rewrite", "retrieve").
		AddEdge("answer", "record").
		AddEdge("record", graph.End).
		Compile()
}

// route picks the retriever for the sub-question under the cursor and resets
// the loop budgets.
func (e *Engine) route(ctx context.Context, st *state.State) (state.Patch, error) {
	if st.SubIndex >= len(st.SubQuestions) {
		return nil, fmt.Errorf("selfrag: sub-question cursor %d out of range (%d questions)", st.SubIndex, len(st.SubQuestions))
	}
	q := st.SubQuestions[st.SubIndex]

	choice := retriever.NameSummary
	out, err := llm.Structured[llm.RouteChoice](ctx, e.model, llm.Request{
		System: "You route clinical inspection questions to a data source.",
		Prompt: fmt.Sprintf(
			"Question: %s\n\nAnswer with JSON {\"retriever\": ...} choosing %q for questions about the site's own records (dates, counts, statuses, deviations) or %q for questions about regulatory or procedural guidance.",
			q, retriever.NameSummary, retriever.NameGuidelines),
	})
	switch {
	case errors.Is(err, llm.ErrBadStructuredOutput):
		ctxlog.FromContext(ctx).Warn("Router output unusable, defaulting to the summary retriever.")
	case err != nil:
		return nil, err
	case out.Retriever == retriever.NameGuidelines:
		choice = retriever.NameGuidelines
	}

	return state.Patch{
		state.FieldQuery:           q,
		state.FieldRetrieverChoice: choice,
		state.FieldToolCalls:       0,
		state.FieldRelevancyChecks: 0,
		state.FieldNeedRewrite:     false,
		state.FieldContext:         nil,
	}, nil
}

// retrieve runs the chosen retriever once, spending one tool call. An empty or
// missing corpus is not fatal; the loop proceeds with an explicit notice.
func (e *Engine) retrieve(ctx context.Context, st *state.State) (state.Patch, error) {
	logger := ctxlog.FromContext(ctx)
	trigger := st.CurrentTrigger()
	if trigger == nil {
		return nil, fmt.Errorf("selfrag: no trigger under cursor")
	}
	scope := retriever.Scope{SiteID: trigger.SiteID, TrialID: trigger.TrialID, Domain: st.Domain}

	r := e.summary
	if st.RetrieverChoice == retriever.NameGuidelines {
		r = e.guidelines
	}

	rc, err := r.Retrieve(ctx, scope, st.Query, e.topK)
	switch {
	case errors.Is(err, retriever.ErrEmptyResult):
		logger.Warn("Retrieval found nothing for the query.", slog.String("query", st.Query))
	case errors.Is(err, vectorstore.ErrCollectionMissing):
		logger.Warn("Retrieval corpus is missing, proceeding without context.", slog.String("retriever", st.RetrieverChoice))
		rc = state.RetrievedContext{Kind: state.KindGuidelines}
	case err != nil:
		return nil, err
	}

	return state.Patch{
		state.FieldContext:   &rc,
		state.FieldToolCalls: st.ToolCalls + 1,
	}, nil
}

// grade asks for a binary relevance verdict over the retrieved context.
func (e *Engine) grade(ctx context.Context, st *state.State) (state.Patch, error) {
	if st.Context == nil || len(st.Context.Chunks) == 0 {
		// Nothing to grade; the answer node handles the empty case.
		return state.Patch{state.FieldNeedRewrite: false}, nil
	}

	out, err := llm.Structured[llm.Grade](ctx, e.model, llm.Request{
		System: "You grade whether retrieved context can answer a question.",
		Prompt: fmt.Sprintf(
			"Question: %s\n\nContext:\n%s\n\nAnswer with JSON {\"relevant\": true|false}.",
			st.Query, contextText(st.Context)),
	})
	if errors.Is(err, llm.ErrBadStructuredOutput) {
		ctxlog.FromContext(ctx).Warn("Grader output unusable, treating context as relevant.")
		return state.Patch{state.FieldNeedRewrite: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return state.Patch{state.FieldNeedRewrite: !out.Relevant}, nil
}

// afterGrade decides between answering and another rewrite pass. Both budgets
// are checked here so a hostile grader cannot spin the loop.
func (e *Engine) afterGrade(st *state.State) string {
	if !st.NeedRewrite {
		return "answer"
	}
	if st.RelevancyChecks >= e.maxRelevancyChecks || st.ToolCalls >= e.maxToolCalls {
		return "answer"
	}
	return "rewrite"
}

// rewrite reformulates the query, spends one relevancy check, and refreshes
// the retrieval budget so the new query gets a full set of attempts. The
// rewrite is recorded as a loop message.
func (e *Engine) rewrite(ctx context.Context, st *state.State) (state.Patch, error) {
	out, err := e.model.Chat(ctx, llm.Request{
		System: "You rewrite retrieval queries that returned irrelevant context.",
		Prompt: fmt.Sprintf(
			"Original question: %s\nCurrent query: %s\n\nWrite one improved retrieval query. Reply with the query text only.",
			st.SubQuestions[st.SubIndex], st.Query),
	})
	if err != nil {
		return nil, err
	}
	q := strings.TrimSpace(out)
	if q == "" {
		q = st.Query
	}
	return state.Patch{
		state.FieldQuery:           q,
		state.FieldToolCalls:       0,
		state.FieldRelevancyChecks: st.RelevancyChecks + 1,
		state.FieldMessages: []state.Message{{
			Agent: "self_rag", Text: "Rewrote retrieval query to: " + q, At: time.Now().UTC(),
		}},
	}, nil
}

// answer produces the sub-question's answer from the surviving context and
// appends it to the answer accumulations. A failed model call degrades to the
// documented failure marker instead of aborting the activity.
func (e *Engine) answer(ctx context.Context, st *state.State) (state.Patch, error) {
	logger := ctxlog.FromContext(ctx)
	q := st.SubQuestions[st.SubIndex]

	var block string
	var err error
	switch {
	case st.Context != nil && st.Context.Kind == state.KindSiteData && len(st.Context.Rows) > 0:
		block, err = e.siteDataBlock(ctx, st)
		if err != nil {
			return nil, err
		}
	case st.Context != nil && len(st.Context.Chunks) > 0:
		block = contextText(st.Context)
	default:
		block = noContextNotice
	}

	prompt := fmt.Sprintf("Question: %s\n\nContext:\n%s", q, block)
	if st.QAPairs != "" {
		prompt = fmt.Sprintf("Previously answered for this activity:\n%s\n\n%s", st.QAPairs, prompt)
	}
	prompt += "\n\nAnswer the question from the context. If the context is insufficient, say so explicitly. Cite source files or table names where available."

	ans, err := e.model.Chat(ctx, llm.Request{
		System: "You answer clinical inspection readiness questions strictly from provided context.",
		Prompt: prompt,
	})
	if err != nil {
		logger.Error("Answer generation failed, recording the failure marker.", slog.Any("error", err))
		ans = llm.FailedOutput
	}
	ans = strings.TrimSpace(ans)

	qa := state.QA{Question: q, Answer: ans}
	return state.Patch{
		state.FieldSubAnswers: []state.QA{qa},
		state.FieldAllAnswers: []state.QA{qa},
		state.FieldQAPairs:    appendQAPair(st.QAPairs, qa),
		state.FieldMessages: []state.Message{{
			Agent: "self_rag", Text: fmt.Sprintf("Q: %s\nA: %s", q, ans), At: time.Now().UTC(),
		}},
	}, nil
}

// record advances the sub-question cursor and clears the loop's working set.
func (e *Engine) record(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{
		state.FieldSubIndex:        st.SubIndex + 1,
		state.FieldContext:         nil,
		state.FieldNeedRewrite:     false,
		state.FieldToolCalls:       0,
		state.FieldRelevancyChecks: 0,
	}, nil
}

// siteDataBlock narrows the retrieved rows to the columns the model deems
// relevant and renders them. The outstanding-days figure is blanked on rows
// whose end date is blank, since it cannot be computed for an open item.
func (e *Engine) siteDataBlock(ctx context.Context, st *state.State) (string, error) {
	rc := st.Context
	cols := rc.Columns

	pick, err := llm.Structured[llm.ColumnPick](ctx, e.model, llm.Request{
		System: "You select the table columns needed to answer a question.",
		Prompt: fmt.Sprintf(
			"Question: %s\nTable %s columns: %s\n\nAnswer with JSON {\"columns\": [...]} listing only the needed columns.",
			st.Query, rc.Table, strings.Join(cols, ", ")),
	})
	if err == nil && len(pick.Columns) > 0 {
		if narrowed := intersect(cols, pick.Columns); len(narrowed) > 0 {
			cols = narrowed
		}
	} else if err != nil && !errors.Is(err, llm.ErrBadStructuredOutput) {
		return "", err
	}

	rows := blankOutstanding(rc.Rows)
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s (summary: %s)\n", rc.Table, rc.FileSummary)
	b.WriteString(strings.Join(cols, " | "))
	b.WriteByte('\n')
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = row[c]
		}
		b.WriteString(strings.Join(vals, " | "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// blankOutstanding copies the rows, clearing Number_Days_Outstanding wherever
// End_Date is blank.
func blankOutstanding(rows []map[string]string) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		cp := make(map[string]string, len(row))
		for k, v := range row {
			cp[k] = v
		}
		if cp[colEndDate] == "" {
			if _, ok := cp[colDaysOutstanding]; ok {
				cp[colDaysOutstanding] = ""
			}
		}
		out[i] = cp
	}
	return out
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

func contextText(rc *state.RetrievedContext) string {
	var b strings.Builder
	for i, c := range rc.Chunks {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		if src := c.Metadata["source_file"]; src != "" {
			fmt.Fprintf(&b, "[%s] ", src)
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

func appendQAPair(existing string, qa state.QA) string {
	entry := fmt.Sprintf("Q: %s\nA: %s", qa.Question, qa.Answer)
	if existing == "" {
		return entry
	}
	return existing + "\n" + entry
}

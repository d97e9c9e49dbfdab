// Package plancritic decomposes one inspection activity into sub-questions
// and hardens the decomposition through a critic loop, then parks the run at
// an operator checkpoint for sign-off before any retrieval happens.
//
// The critic loop is bounded by the revision budget; the operator loop is not,
// an operator can send the plan back as often as they like.
package plancritic

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
	"github.com/vk/inspectgridgo/internal/state"
)

// Engine owns the model the planner and critic nodes close over.
type Engine struct {
	model        llm.ChatModel
	maxRevisions int
}

// New builds the engine. maxRevisions is the fallback when the state carries
// no budget of its own.
func New(model llm.ChatModel, maxRevisions int) *Engine {
	return &Engine{model: model, maxRevisions: maxRevisions}
}

// Graph compiles the plan/critique loop as a subgraph. It suspends at the
// "checkpoint" node; the resume value decides whether the plan stands,
// is replaced outright, or goes back to the planner with feedback.
func (e *Engine) Graph() (*graph.Graph, error) {
	return graph.NewBuilder("plan_critic").
		AddNode("plan", e.plan).
		AddNode("critic", e.critic).
		AddNode("present", e.present).
		AddNode("checkpoint", checkpoint).
		SetEntry("plan").
		AddEdge("plan", "critic").
		AddConditionalEdge("critic", e.afterCritic).
		AddEdge("present", "checkpoint").
		AddConditionalEdge("checkpoint", afterCheckpoint).
		InterruptBefore("checkpoint").
		Compile()
}

// plan decomposes the activity into two or three answerable sub-questions,
// folding in critic or operator feedback from a previous pass.
func (e *Engine) plan(ctx context.Context, st *state.State) (state.Patch, error) {
	var feedback []string
	if st.CriticFeedback != "" {
		feedback = append(feedback, "Reviewer feedback: "+st.CriticFeedback)
	}
	if st.OperatorFeedback != "" && st.OperatorFeedback != "y" {
		feedback = append(feedback, "Operator feedback: "+st.OperatorFeedback)
	}

	prompt := fmt.Sprintf(
		"Inspection activity:\n%s\n\nDecompose it into 2-3 concrete sub-questions that can each be answered from the site's records or from regulatory guidance. Answer with JSON {\"sub_questions\": [...]}.",
		st.Activity)
	if len(feedback) > 0 {
		prompt += "\n\n" + strings.Join(feedback, "\n")
	}

	out, err := llm.Structured[llm.Plan](ctx, e.model, llm.Request{
		System: "You plan clinical inspection readiness reviews.",
		Prompt: prompt,
	})
	subs := out.SubQuestions
	switch {
	case errors.Is(err, llm.ErrBadStructuredOutput):
		ctxlog.FromContext(ctx).Warn("Planner output unusable, falling back to the activity as a single question.")
		subs = []string{st.Activity}
	case err != nil:
		return nil, err
	case len(subs) == 0:
		subs = []string{st.Activity}
	}

	return state.Patch{
		state.FieldSubQuestions:     subs,
		state.FieldSubIndex:         0,
		state.FieldNeedRewrite:      false,
		state.FieldOperatorFeedback: "",
		state.FieldMessages: []state.Message{{
			Agent: "planner",
			Text:  "Proposed sub-questions:\n- " + strings.Join(subs, "\n- "),
			At:    time.Now().UTC(),
		}},
	}, nil
}

// critic reviews the plan; a rewrite verdict spends one revision. Once the
// budget is spent, a rewrite verdict is overridden so the counter never passes
// the cap and the plan goes to the operator as-is.
func (e *Engine) critic(ctx context.Context, st *state.State) (state.Patch, error) {
	out, err := llm.Structured[llm.Critique](ctx, e.model, llm.Request{
		System: "You critique inspection review plans for coverage and answerability.",
		Prompt: fmt.Sprintf(
			"Activity:\n%s\n\nProposed sub-questions:\n- %s\n\nAnswer with JSON {\"need_rewrite\": true|false, \"feedback\": \"...\"}.",
			st.Activity, strings.Join(st.SubQuestions, "\n- ")),
	})
	if errors.Is(err, llm.ErrBadStructuredOutput) {
		ctxlog.FromContext(ctx).Warn("Critic output unusable, accepting the plan as-is.")
		return state.Patch{state.FieldNeedRewrite: false, state.FieldCriticFeedback: ""}, nil
	}
	if err != nil {
		return nil, err
	}

	patch := state.Patch{
		state.FieldNeedRewrite:    out.NeedRewrite,
		state.FieldCriticFeedback: out.Feedback,
	}
	if out.NeedRewrite {
		if st.RevisionNumber >= e.revisionLimit(st) {
			ctxlog.FromContext(ctx).Info("Revision budget spent, presenting the plan despite the critic.",
				slog.Int("revision_number", st.RevisionNumber))
			patch[state.FieldNeedRewrite] = false
		} else {
			patch[state.FieldRevisionNumber] = st.RevisionNumber + 1
		}
	}
	return patch, nil
}

// revisionLimit is the state's budget, falling back to the engine default.
func (e *Engine) revisionLimit(st *state.State) int {
	if st.MaxRevisions > 0 {
		return st.MaxRevisions
	}
	return e.maxRevisions
}

// afterCritic loops back to the planner while the critic still wants a
// rewrite; the critic stops asking once the revision budget is spent.
func (e *Engine) afterCritic(st *state.State) string {
	if st.NeedRewrite {
		return "plan"
	}
	return "present"
}

// present stages the checkpoint: it names the suspension purpose, clears any
// stale operator input, and logs the plan awaiting review.
func (e *Engine) present(ctx context.Context, st *state.State) (state.Patch, error) {
	ctxlog.FromContext(ctx).Info("Plan ready for operator review.",
		slog.String("activity_id", st.ActivityID),
		slog.Int("sub_questions", len(st.SubQuestions)))
	return state.Patch{
		state.FieldPurpose:          state.PurposeSubActivityReview,
		state.FieldOperatorFeedback: "",
	}, nil
}

// checkpoint is the interrupt-before anchor; the runtime suspends in front of
// it and re-enters here with the operator's decision already folded in.
func checkpoint(ctx context.Context, st *state.State) (state.Patch, error) {
	return state.Patch{}, nil
}

// afterCheckpoint reads the folded-in operator decision: approval ends the
// subgraph, an empty decision re-presents the same plan, anything else goes
// back to the planner as feedback.
func afterCheckpoint(st *state.State) string {
	switch st.OperatorFeedback {
	case "y":
		return graph.End
	case "":
		return "present"
	default:
		return "plan"
	}
}

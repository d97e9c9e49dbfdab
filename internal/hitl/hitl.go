// Package hitl is the operator side of a suspension: it publishes the pending
// question to a durable file queue, waits for a reply, and normalizes the
// operator's free text into a resume value. An operator who never answers
// approves by timeout, so unattended runs always make progress.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/state"
)

// Decision kinds after normalization.
const (
	KindApprove  = "approve"
	KindFeedback = "feedback"
	KindReplace  = "replace"
	KindTimeout  = "timeout"
)

// Action is the normalized operator decision.
type Action struct {
	Kind  string
	Value graph.ResumeValue
}

// Pending is the on-disk shape of a published question.
type Pending struct {
	RunID    string    `json:"run_id"`
	Purpose  string    `json:"purpose"`
	Cursor   []string  `json:"cursor"`
	Prompt   string    `json:"prompt"`
	AskedAt  time.Time `json:"asked_at"`
}

// Channel is a file-backed operator queue rooted at one directory. A console
// process watches <root>/<run_id>/pending.json and writes its answer to
// <root>/<run_id>/reply.txt.
type Channel struct {
	root    string
	model   llm.ChatModel
	timeout time.Duration
	poll    time.Duration
}

// NewChannel builds a channel. The model normalizes free-text replies; poll
// is how often the reply file is checked.
func NewChannel(root string, model llm.ChatModel, timeout, poll time.Duration) *Channel {
	return &Channel{root: root, model: model, timeout: timeout, poll: poll}
}

func (c *Channel) runDir(runID string) string {
	return filepath.Join(c.root, runID)
}

// Publish writes the pending question for a suspension, replacing any earlier
// one for the run.
func (c *Channel) Publish(ctx context.Context, susp *graph.Suspension) error {
	dir := c.runDir(susp.State.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hitl: %w", err)
	}
	p := Pending{
		RunID:   susp.State.RunID,
		Purpose: susp.Cause.Purpose,
		Cursor:  susp.Cursor.Path,
		Prompt:  promptFor(&susp.State),
		AskedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("hitl: marshal pending: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pending.json"), raw, 0o644); err != nil {
		return fmt.Errorf("hitl: write pending: %w", err)
	}
	ctxlog.FromContext(ctx).Info("Published operator question.",
		slog.String("run_id", p.RunID), slog.String("purpose", p.Purpose))
	return nil
}

// Await polls for the operator's reply. A timeout is an approval: the run
// proceeds with "y" and the approval is logged as unattended.
func (c *Channel) Await(ctx context.Context, runID, purpose string) (Action, error) {
	logger := ctxlog.FromContext(ctx)
	replyPath := filepath.Join(c.runDir(runID), "reply.txt")
	deadline := time.Now().Add(c.timeout)

	for {
		raw, err := os.ReadFile(replyPath)
		switch {
		case err == nil:
			if rmErr := os.Remove(replyPath); rmErr != nil {
				logger.Warn("Could not remove consumed reply file.", slog.Any("error", rmErr))
			}
			c.clearPending(runID)
			return c.normalize(ctx, strings.TrimSpace(string(raw)), purpose)
		case !os.IsNotExist(err):
			return Action{}, fmt.Errorf("hitl: read reply: %w", err)
		}

		if time.Now().After(deadline) {
			logger.Warn("Operator did not answer before the timeout; approving unattended.",
				slog.String("run_id", runID), slog.Duration("timeout", c.timeout))
			c.clearPending(runID)
			return Action{Kind: KindTimeout, Value: graph.ResumeValue{Text: "y"}}, nil
		}

		select {
		case <-ctx.Done():
			return Action{}, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

func (c *Channel) clearPending(runID string) {
	os.Remove(filepath.Join(c.runDir(runID), "pending.json"))
}

// normalize maps free operator text onto the resume value. Plain approvals
// skip the model; anything else goes through structured normalization, and an
// unusable verdict passes the raw text through as feedback.
func (c *Channel) normalize(ctx context.Context, raw, purpose string) (Action, error) {
	switch strings.ToLower(raw) {
	case "y", "yes", "ok", "approve", "approved":
		return Action{Kind: KindApprove, Value: graph.ResumeValue{Text: "y"}}, nil
	}

	out, err := llm.Structured[llm.OperatorDecision](ctx, c.model, llm.Request{
		System: "You classify operator replies to inspection review questions.",
		Prompt: fmt.Sprintf(
			"Checkpoint purpose: %s\nOperator reply:\n%s\n\nAnswer with JSON {\"kind\": \"approve\"|\"feedback\"|\"replace\", \"feedback\": \"...\", \"replacement\": [...]}. Use \"replace\" only when the reply supplies a full substitute list of sub-questions.",
			purpose, raw),
	})
	if errors.Is(err, llm.ErrBadStructuredOutput) {
		ctxlog.FromContext(ctx).Warn("Could not normalize operator reply, passing it through as feedback.")
		return Action{Kind: KindFeedback, Value: graph.ResumeValue{Text: raw}}, nil
	}
	if err != nil {
		return Action{}, err
	}

	switch out.Kind {
	case KindApprove:
		return Action{Kind: KindApprove, Value: graph.ResumeValue{Text: "y"}}, nil
	case KindReplace:
		if purpose == state.PurposeSubActivityReview && len(out.Replacement) > 0 {
			return Action{Kind: KindReplace, Value: graph.ResumeValue{Text: raw, Replacement: out.Replacement}}, nil
		}
		// A replacement outside a plan review degrades to feedback.
		return Action{Kind: KindFeedback, Value: graph.ResumeValue{Text: raw}}, nil
	default:
		text := out.Feedback
		if text == "" {
			text = raw
		}
		return Action{Kind: KindFeedback, Value: graph.ResumeValue{Text: text}}, nil
	}
}

// promptFor renders what the operator is being asked to review.
func promptFor(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Activity %s\n%s\n\n", st.ActivityID, st.Activity)
	if st.Purpose == state.PurposeSubActivityReview {
		b.WriteString("Proposed sub-questions:\n")
		for _, q := range st.SubQuestions {
			b.WriteString("- " + q + "\n")
		}
		b.WriteString("\nReply \"y\" to approve, give feedback, or supply a replacement list.")
		return b.String()
	}
	b.WriteString("Synthesized conclusion:\n")
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Agent == "synthesizer" {
			b.WriteString(st.Messages[i].Text + "\n")
			break
		}
	}
	b.WriteString("\nReply \"y\" to approve or give a revision instruction.")
	return b.String()
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vk/inspectgridgo/internal/ctxlog"
)

// The named schemas for every structured call the agents make. The model is
// instructed to answer with a single JSON object matching the schema; prose
// outside the object is tolerated and stripped.

// RouteChoice is the retriever router's decision.
type RouteChoice struct {
	Retriever string `json:"retriever"`
}

// Grade is the binary relevance verdict over retrieved context.
type Grade struct {
	Relevant bool `json:"relevant"`
}

// Plan is the planner's decomposition of an activity.
type Plan struct {
	SubQuestions []string `json:"sub_questions"`
}

// Critique is the critic's verdict over a plan.
type Critique struct {
	NeedRewrite bool   `json:"need_rewrite"`
	Feedback    string `json:"feedback"`
}

// ColumnPick is the coarse column selection for discrepancy extraction and
// site-data answers.
type ColumnPick struct {
	Columns []string `json:"columns"`
}

// RowPick is the fine row selection over one window of rows.
type RowPick struct {
	Indices []int `json:"indices"`
}

// OperatorDecision is the normalized form of free-text operator input.
type OperatorDecision struct {
	Kind        string   `json:"kind"` // approve | feedback | replace | revise
	Feedback    string   `json:"feedback,omitempty"`
	Replacement []string `json:"replacement,omitempty"`
}

// extractJSON pulls the first top-level JSON object or array out of a model
// reply, tolerating surrounding prose and code fences.
func extractJSON(out string) (string, bool) {
	out = strings.TrimSpace(out)
	start := strings.IndexAny(out, "{[")
	if start < 0 {
		return "", false
	}
	open := out[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(out); i++ {
		c := out[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return out[start : i+1], true
			}
		}
	}
	return "", false
}

// Structured runs a chat call whose reply must parse into T. On a parse
// failure the call is re-invoked once with the parse error appended to the
// prompt; a second failure returns ErrBadStructuredOutput and the caller
// degrades to its documented pass-through behaviour.
func Structured[T any](ctx context.Context, m ChatModel, req Request) (T, error) {
	var zero T

	out, err := m.Chat(ctx, req)
	if err != nil {
		return zero, err
	}
	v, parseErr := parseInto[T](out)
	if parseErr == nil {
		return v, nil
	}

	ctxlog.FromContext(ctx).Warn("Structured output did not parse, re-invoking once.", "error", parseErr)
	retryReq := req
	retryReq.Prompt = fmt.Sprintf("%s\n\nYour previous reply was not valid JSON for the expected schema (%v). Reply with the JSON object only.", req.Prompt, parseErr)
	out, err = m.Chat(ctx, retryReq)
	if err != nil {
		return zero, err
	}
	v, parseErr = parseInto[T](out)
	if parseErr != nil {
		return zero, fmt.Errorf("%w: %v", ErrBadStructuredOutput, parseErr)
	}
	return v, nil
}

func parseInto[T any](out string) (T, error) {
	var v T
	raw, ok := extractJSON(out)
	if !ok {
		return v, fmt.Errorf("no JSON value found in reply")
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, err
	}
	return v, nil
}

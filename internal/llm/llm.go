// Package llm defines the chat-model contract the agents depend on, plus the
// retry decorator and structured-output parsing shared by every call site.
//
// The engine does not prescribe a model; anything that satisfies ChatModel
// works. Production runs use the OpenAI-compatible HTTP client in this
// package, tests use the scripted model in internal/testutil.
package llm

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vk/inspectgridgo/internal/ctxlog"
)

// FailedOutput is the degraded substitute text a node uses after the retry
// budget for a chat call is exhausted. It is never fed back to a model as if
// it were a real answer without the prefix intact.
const FailedOutput = "LLM_RUN_FAILED"

var (
	// ErrTransient marks a recoverable failure (timeout, rate limit,
	// connection). The retry decorator keeps going on these.
	ErrTransient = errors.New("llm: transient failure")

	// ErrExhausted is returned once retries run out. Callers treat it as a
	// degraded, non-fatal result: log and substitute FailedOutput.
	ErrExhausted = errors.New("llm: retries exhausted")

	// ErrBadStructuredOutput is returned when a structured call could not be
	// parsed even after the single re-invoke.
	ErrBadStructuredOutput = errors.New("llm: structured output parse failure")
)

// Request is one chat completion request. Temperature stays zero everywhere
// so repeated runs are comparable.
type Request struct {
	System string
	Prompt string
}

// ChatModel is the minimal contract a chat backend must satisfy.
type ChatModel interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// RetryConfig bounds the exponential backoff loop around a chat backend.
type RetryConfig struct {
	Attempts int
	BaseWait time.Duration
}

// retrying wraps a ChatModel with exponential backoff on transient errors.
type retrying struct {
	inner ChatModel
	cfg   RetryConfig
}

// WithRetry decorates a model with the configured backoff. Non-transient
// errors pass through immediately; transient ones are retried with doubling
// waits until the attempt budget is spent, then ErrExhausted is returned.
func WithRetry(inner ChatModel, cfg RetryConfig) ChatModel {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = 500 * time.Millisecond
	}
	return &retrying{inner: inner, cfg: cfg}
}

func (r *retrying) Chat(ctx context.Context, req Request) (string, error) {
	logger := ctxlog.FromContext(ctx)
	wait := r.cfg.BaseWait

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		out, err := r.inner.Chat(ctx, req)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err
		logger.Warn("Chat call failed, backing off.", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return "", errors.Join(ErrExhausted, lastErr)
}

// IsTransient reports whether an error is worth retrying: our transient
// sentinel, a network timeout, or a plain connection error.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

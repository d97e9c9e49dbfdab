// Package testutil holds the deterministic doubles the package tests and the
// end-to-end scenarios share: a scripted chat model, a hash-based embedder,
// and an in-memory row source.
package testutil

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/relstore"
)

// Ctx returns a context carrying a discard logger, enough for any code path
// that calls ctxlog.FromContext.
func Ctx() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Rule matches prompts by substring and yields a canned reply.
type Rule struct {
	Contains string
	Reply    string
}

// ScriptedModel is a llm.ChatModel that answers from an ordered rule list.
// The first rule whose substring appears in the prompt (or system text) wins;
// an unmatched prompt returns the fallback, or errors when none is set.
type ScriptedModel struct {
	mu       sync.Mutex
	Rules    []Rule
	Fallback string
	Prompts  []string
}

// Chat implements llm.ChatModel.
func (m *ScriptedModel) Chat(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, req.Prompt)
	for _, r := range m.Rules {
		if strings.Contains(req.Prompt, r.Contains) || strings.Contains(req.System, r.Contains) {
			return r.Reply, nil
		}
	}
	if m.Fallback != "" {
		return m.Fallback, nil
	}
	return "", fmt.Errorf("scripted model: no rule matches prompt %q", truncate(req.Prompt, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HashEmbedder is a deterministic embedder: identical texts get identical
// vectors, and texts sharing words land near each other. Dimension 16.
type HashEmbedder struct{}

// Embed implements embed.Embedder.
func (HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec := make([]float64, 16)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			h.Write([]byte(w))
			vec[h.Sum32()%16]++
		}
		out[i] = vec
	}
	return out, nil
}

// MemRows is an in-memory relstore.RowSource keyed by table name.
type MemRows struct {
	// Tables maps a table name to its full row set. Rows carries the
	// site/trial columns so filtering works like the SQL source.
	Tables map[string]relstore.ResultSet
	Err    error
}

// Rows implements relstore.RowSource.
func (m *MemRows) Rows(ctx context.Context, ref config.TableRef, siteID, trialID string) (relstore.ResultSet, error) {
	if m.Err != nil {
		return relstore.ResultSet{}, m.Err
	}
	full, ok := m.Tables[ref.Name]
	if !ok {
		return relstore.ResultSet{Table: ref.Name}, nil
	}
	out := relstore.ResultSet{Table: ref.Name, Columns: full.Columns}
	for _, row := range full.Rows {
		if row[ref.SiteColumn] == siteID && row[ref.TrialColumn] == trialID {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// Package retriever implements the two retrieval paths behind the self-RAG
// loop: a summary retriever that resolves a vector hit over table summaries
// into filtered relational rows, and a guidelines retriever over chunked
// guidance documents.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/embed"
	"github.com/vk/inspectgridgo/internal/ingest"
	"github.com/vk/inspectgridgo/internal/relstore"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

// ErrEmptyResult marks a retrieval that completed but found nothing. Callers
// proceed with an explicit no-context notice instead of failing the activity.
var ErrEmptyResult = errors.New("retriever: no results")

// Scope pins a retrieval to one trigger's site, trial, and domain.
type Scope struct {
	SiteID  string
	TrialID string
	Domain  string
}

// Retriever fetches context for one query within a scope.
type Retriever interface {
	Retrieve(ctx context.Context, scope Scope, query string, k int) (state.RetrievedContext, error)
}

// Names the router chooses between.
const (
	NameSummary    = "summary_retriever"
	NameGuidelines = "guidelines_retriever"
)

// Summary resolves a query against the table-summary collection and hydrates
// the best match with the site/trial-filtered rows of that table.
type Summary struct {
	registry  vectorstore.Registry
	embedder  embed.Embedder
	rows      relstore.RowSource
	reference *config.Reference
}

// NewSummary builds the summary retriever.
func NewSummary(registry vectorstore.Registry, embedder embed.Embedder, rows relstore.RowSource, reference *config.Reference) *Summary {
	return &Summary{registry: registry, embedder: embedder, rows: rows, reference: reference}
}

// Retrieve implements Retriever.
func (r *Summary) Retrieve(ctx context.Context, scope Scope, query string, k int) (state.RetrievedContext, error) {
	hits, err := search(ctx, r.registry, r.embedder, vectorstore.CollectionName(scope.Domain, ingest.KindSummaries), query, k)
	if err != nil {
		return state.RetrievedContext{}, err
	}
	if len(hits) == 0 {
		return state.RetrievedContext{}, ErrEmptyResult
	}

	top := hits[0]
	table := top.Metadata["table"]
	ref, ok := r.reference.Lookup(scope.Domain, table)
	if !ok {
		return state.RetrievedContext{}, fmt.Errorf("retriever: summary hit names unknown table %q for domain %s", table, scope.Domain)
	}

	set, err := r.rows.Rows(ctx, *ref, scope.SiteID, scope.TrialID)
	if err != nil {
		return state.RetrievedContext{}, err
	}
	ctxlog.FromContext(ctx).Debug("Summary retrieval resolved.",
		slog.String("table", table),
		slog.Int("rows", len(set.Rows)))

	out := state.RetrievedContext{
		Kind:        state.KindSiteData,
		Chunks:      toChunks(hits),
		FileSummary: top.Text,
		Rows:        set.Rows,
		Columns:     set.Columns,
		Table:       table,
	}
	if len(set.Rows) == 0 {
		return out, ErrEmptyResult
	}
	return out, nil
}

// Guidelines searches the chunked guidance collection of the domain.
type Guidelines struct {
	registry vectorstore.Registry
	embedder embed.Embedder
}

// NewGuidelines builds the guidelines retriever.
func NewGuidelines(registry vectorstore.Registry, embedder embed.Embedder) *Guidelines {
	return &Guidelines{registry: registry, embedder: embedder}
}

// Retrieve implements Retriever.
func (r *Guidelines) Retrieve(ctx context.Context, scope Scope, query string, k int) (state.RetrievedContext, error) {
	hits, err := search(ctx, r.registry, r.embedder, vectorstore.CollectionName(scope.Domain, ingest.KindGuidelines), query, k)
	if err != nil {
		return state.RetrievedContext{}, err
	}
	out := state.RetrievedContext{Kind: state.KindGuidelines, Chunks: toChunks(hits)}
	if len(hits) == 0 {
		return out, ErrEmptyResult
	}
	return out, nil
}

func search(ctx context.Context, registry vectorstore.Registry, embedder embed.Embedder, collection, query string, k int) ([]vectorstore.Hit, error) {
	col, err := registry.Get(ctx, collection)
	if err != nil {
		return nil, err
	}
	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}
	return col.Search(ctx, vecs[0], k, nil)
}

func toChunks(hits []vectorstore.Hit) []state.Chunk {
	out := make([]state.Chunk, len(hits))
	for i, h := range hits {
		out[i] = state.Chunk{Text: h.Text, Metadata: h.Metadata, Score: h.Score}
	}
	return out
}

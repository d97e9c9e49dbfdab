// Package ingest builds the per-domain vector collections a trigger needs
// before its first activity runs: one summaries collection over the domain's
// table reference entries and one guidelines collection over chunked guidance
// documents.
//
// Ingestion is idempotent. A non-empty collection is reused as-is unless the
// trigger raises its reingest flag, in which case both collections are dropped
// and rebuilt.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/vk/inspectgridgo/internal/chunk"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ctxlog"
	"github.com/vk/inspectgridgo/internal/embed"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

// Kinds of per-domain collections.
const (
	KindSummaries  = "summaries"
	KindGuidelines = "guidelines"
)

// Ingestor prepares the retrieval corpora for one domain.
type Ingestor struct {
	registry      vectorstore.Registry
	embedder      embed.Embedder
	reference     *config.Reference
	guidelinesDir string
	chunkOpts     chunk.Options
}

// New builds an Ingestor.
func New(registry vectorstore.Registry, embedder embed.Embedder, reference *config.Reference, guidelinesDir string, chunkOpts chunk.Options) *Ingestor {
	return &Ingestor{
		registry:      registry,
		embedder:      embedder,
		reference:     reference,
		guidelinesDir: guidelinesDir,
		chunkOpts:     chunkOpts,
	}
}

// EnsureDomain makes both collections of a domain ready, rebuilding them when
// reingest is set. Missing guideline documents leave an empty guidelines
// collection behind; retrieval degrades rather than failing.
func (in *Ingestor) EnsureDomain(ctx context.Context, domain string, reingest bool) error {
	logger := ctxlog.FromContext(ctx).With(slog.String("domain", domain))

	if reingest {
		logger.Info("Reingest requested, dropping domain collections.")
		if err := in.registry.Drop(ctx, vectorstore.CollectionName(domain, KindSummaries)); err != nil {
			return err
		}
		if err := in.registry.Drop(ctx, vectorstore.CollectionName(domain, KindGuidelines)); err != nil {
			return err
		}
	}

	if err := in.ensureSummaries(ctx, logger, domain); err != nil {
		return err
	}
	return in.ensureGuidelines(ctx, logger, domain)
}

func (in *Ingestor) ensureSummaries(ctx context.Context, logger *slog.Logger, domain string) error {
	col, err := in.registry.GetOrCreate(ctx, vectorstore.CollectionName(domain, KindSummaries))
	if err != nil {
		return err
	}
	n, err := col.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Debug("Summaries collection already populated.", slog.Int("documents", n))
		return nil
	}

	refs := in.reference.TablesFor(domain)
	if len(refs) == 0 {
		logger.Warn("No table references declared for domain.")
		return nil
	}

	texts := make([]string, len(refs))
	for i, ref := range refs {
		texts[i] = summaryText(ref)
	}
	vecs, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("ingest: embed summaries for %s: %w", domain, err)
	}

	docs := make([]vectorstore.Document, len(refs))
	for i, ref := range refs {
		docs[i] = vectorstore.Document{
			ID:     uuid.NewString(),
			Text:   texts[i],
			Vector: vecs[i],
			Metadata: map[string]string{
				"site_area":    domain,
				"schema":       ref.Schema,
				"table":        ref.Name,
				"site_column":  ref.SiteColumn,
				"trial_column": ref.TrialColumn,
			},
		}
	}
	if err := col.Add(ctx, docs); err != nil {
		return err
	}
	logger.Info("Summaries collection built.", slog.Int("documents", len(docs)))
	return nil
}

func (in *Ingestor) ensureGuidelines(ctx context.Context, logger *slog.Logger, domain string) error {
	col, err := in.registry.GetOrCreate(ctx, vectorstore.CollectionName(domain, KindGuidelines))
	if err != nil {
		return err
	}
	n, err := col.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Debug("Guidelines collection already populated.", slog.Int("documents", n))
		return nil
	}

	dir := filepath.Join(in.guidelinesDir, domain)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("No guideline documents found for domain.", slog.String("dir", dir))
			return nil
		}
		return fmt.Errorf("ingest: read guidelines dir: %w", err)
	}

	var docs []vectorstore.Document
	var texts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("ingest: read guideline %s: %w", e.Name(), err)
		}
		for i, piece := range chunk.Split(string(raw), in.chunkOpts) {
			texts = append(texts, piece)
			docs = append(docs, vectorstore.Document{
				ID:   uuid.NewString(),
				Text: piece,
				Metadata: map[string]string{
					"site_area":   domain,
					"source_file": e.Name(),
					"chunk_index": strconv.Itoa(i),
				},
			})
		}
	}
	if len(docs) == 0 {
		logger.Warn("Guideline documents yielded no chunks.", slog.String("dir", dir))
		return nil
	}

	vecs, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("ingest: embed guidelines for %s: %w", domain, err)
	}
	for i := range docs {
		docs[i].Vector = vecs[i]
	}
	if err := col.Add(ctx, docs); err != nil {
		return err
	}
	logger.Info("Guidelines collection built.", slog.Int("documents", len(docs)))
	return nil
}

// summaryText renders a searchable description of one table ref. The authored
// summary wins; otherwise the column list has to carry the meaning.
func summaryText(ref config.TableRef) string {
	if ref.Summary != "" {
		return fmt.Sprintf("%s: %s", ref.Name, ref.Summary)
	}
	if len(ref.Columns) > 0 {
		return fmt.Sprintf("%s with columns %v", ref.Name, ref.Columns)
	}
	return ref.Name
}

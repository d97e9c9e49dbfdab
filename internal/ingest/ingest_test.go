package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/inspectgridgo/internal/chunk"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/testutil"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

func testReference() *config.Reference {
	return &config.Reference{Domains: []config.ReferenceDomain{{
		Name: "PD",
		Tables: []config.TableRef{
			{
				Name: "protocol_deviations", Schema: "site", SiteColumn: "Site_ID", TrialColumn: "Trial_ID",
				Summary: "Protocol deviations logged at the site with dates and categories.",
			},
			{
				Name: "deviation_actions", Schema: "site", SiteColumn: "Site_ID", TrialColumn: "Trial_ID",
				Columns: []string{"Action", "Status", "End_Date"},
			},
		},
	}}}
}

func writeGuideline(t *testing.T, dir, domain, name, text string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, domain), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain, name), []byte(text), 0o644))
}

func TestEnsureDomain_BuildsBothCollections(t *testing.T) {
	ctx := testutil.Ctx()
	reg := vectorstore.NewMemRegistry()
	dir := t.TempDir()
	writeGuideline(t, dir, "PD", "gcp.txt", "Deviations must be reported within five working days.")

	in := New(reg, testutil.HashEmbedder{}, testReference(), dir, chunk.Options{Size: 400, Overlap: 0})
	require.NoError(t, in.EnsureDomain(ctx, "PD", false))

	sums, err := reg.Get(ctx, "PD_summaries")
	require.NoError(t, err)
	n, err := sums.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	guides, err := reg.Get(ctx, "PD_guidelines")
	require.NoError(t, err)
	n, err = guides.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnsureDomain_IsIdempotent(t *testing.T) {
	ctx := testutil.Ctx()
	reg := vectorstore.NewMemRegistry()
	in := New(reg, testutil.HashEmbedder{}, testReference(), t.TempDir(), chunk.Options{Size: 400})

	require.NoError(t, in.EnsureDomain(ctx, "PD", false))
	require.NoError(t, in.EnsureDomain(ctx, "PD", false))

	sums, err := reg.Get(ctx, "PD_summaries")
	require.NoError(t, err)
	n, err := sums.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "second pass must not duplicate documents")
}

func TestEnsureDomain_ReingestRebuilds(t *testing.T) {
	ctx := testutil.Ctx()
	reg := vectorstore.NewMemRegistry()
	dir := t.TempDir()
	writeGuideline(t, dir, "PD", "gcp.txt", "Deviations must be reported within five working days.")
	in := New(reg, testutil.HashEmbedder{}, testReference(), dir, chunk.Options{Size: 400})

	require.NoError(t, in.EnsureDomain(ctx, "PD", false))

	// A guideline document arrives between runs; only reingest picks it up.
	writeGuideline(t, dir, "PD", "late.txt", "Late guidance about corrective actions.")
	require.NoError(t, in.EnsureDomain(ctx, "PD", false))
	guides, err := reg.Get(ctx, "PD_guidelines")
	require.NoError(t, err)
	n, err := guides.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, in.EnsureDomain(ctx, "PD", true))
	guides, err = reg.Get(ctx, "PD_guidelines")
	require.NoError(t, err)
	n, err = guides.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnsureDomain_MissingGuidelinesIsNotFatal(t *testing.T) {
	ctx := testutil.Ctx()
	reg := vectorstore.NewMemRegistry()
	in := New(reg, testutil.HashEmbedder{}, testReference(), filepath.Join(t.TempDir(), "nope"), chunk.Options{Size: 400})

	require.NoError(t, in.EnsureDomain(ctx, "PD", false))
	guides, err := reg.Get(ctx, "PD_guidelines")
	require.NoError(t, err)
	n, err := guides.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummaryText(t *testing.T) {
	withSummary := config.TableRef{Name: "t", Summary: "rows about x"}
	assert.Equal(t, "t: rows about x", summaryText(withSummary))

	withColumns := config.TableRef{Name: "t", Columns: []string{"A", "B"}}
	assert.Contains(t, summaryText(withColumns), "A")

	bare := config.TableRef{Name: "t"}
	assert.Equal(t, "t", summaryText(bare))
}

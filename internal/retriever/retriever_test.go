package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/inspectgridgo/internal/chunk"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/ingest"
	"github.com/vk/inspectgridgo/internal/relstore"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/testutil"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

var scope = Scope{SiteID: "S-001", TrialID: "T-9", Domain: "PD"}

func pdReference() *config.Reference {
	return &config.Reference{Domains: []config.ReferenceDomain{{
		Name: "PD",
		Tables: []config.TableRef{
			{
				Name: "protocol_deviations", Schema: "site",
				SiteColumn: "Site_ID", TrialColumn: "Trial_ID",
				Summary: "protocol deviation records with deviation dates and categories",
			},
			{
				Name: "corrective_actions", Schema: "site",
				SiteColumn: "Site_ID", TrialColumn: "Trial_ID",
				Summary: "corrective action plans and closure status",
			},
		},
	}}}
}

func pdRows() *testutil.MemRows {
	return &testutil.MemRows{Tables: map[string]relstore.ResultSet{
		"protocol_deviations": {
			Table:   "protocol_deviations",
			Columns: []string{"Site_ID", "Trial_ID", "Deviation", "End_Date"},
			Rows: []map[string]string{
				{"Site_ID": "S-001", "Trial_ID": "T-9", "Deviation": "missed visit", "End_Date": ""},
				{"Site_ID": "S-002", "Trial_ID": "T-9", "Deviation": "other site", "End_Date": "2026-01-01"},
			},
		},
	}}
}

func buildCollections(t *testing.T, reg vectorstore.Registry) {
	t.Helper()
	in := ingest.New(reg, testutil.HashEmbedder{}, pdReference(), t.TempDir(), chunk.Options{Size: 400})
	require.NoError(t, in.EnsureDomain(testutil.Ctx(), "PD", false))
}

func TestSummary_ResolvesTopHitToFilteredRows(t *testing.T) {
	reg := vectorstore.NewMemRegistry()
	buildCollections(t, reg)
	r := NewSummary(reg, testutil.HashEmbedder{}, pdRows(), pdReference())

	got, err := r.Retrieve(testutil.Ctx(), scope, "protocol deviation records with deviation dates", 2)
	require.NoError(t, err)

	assert.Equal(t, state.KindSiteData, got.Kind)
	assert.Equal(t, "protocol_deviations", got.Table)
	require.Len(t, got.Rows, 1, "rows must be filtered to the scoped site and trial")
	assert.Equal(t, "missed visit", got.Rows[0]["Deviation"])
	assert.NotEmpty(t, got.FileSummary)
}

func TestSummary_NoMatchingRowsIsEmptyResult(t *testing.T) {
	reg := vectorstore.NewMemRegistry()
	buildCollections(t, reg)
	r := NewSummary(reg, testutil.HashEmbedder{}, pdRows(), pdReference())

	far := Scope{SiteID: "S-404", TrialID: "T-9", Domain: "PD"}
	got, err := r.Retrieve(testutil.Ctx(), far, "protocol deviation records", 1)
	assert.ErrorIs(t, err, ErrEmptyResult)
	// The table context still comes back so the caller can explain the miss.
	assert.Equal(t, "protocol_deviations", got.Table)
}

func TestSummary_MissingCollection(t *testing.T) {
	reg := vectorstore.NewMemRegistry()
	r := NewSummary(reg, testutil.HashEmbedder{}, pdRows(), pdReference())

	_, err := r.Retrieve(testutil.Ctx(), scope, "anything", 1)
	assert.ErrorIs(t, err, vectorstore.ErrCollectionMissing)
}

func TestGuidelines_ReturnsChunksWithProvenance(t *testing.T) {
	reg := vectorstore.NewMemRegistry()
	ctx := testutil.Ctx()
	col, err := reg.GetOrCreate(ctx, "PD_guidelines")
	require.NoError(t, err)
	vecs, err := testutil.HashEmbedder{}.Embed(ctx, []string{"report deviations promptly"})
	require.NoError(t, err)
	require.NoError(t, col.Add(ctx, []vectorstore.Document{{
		ID: "c1", Text: "report deviations promptly",
		Metadata: map[string]string{"source_file": "gcp.txt", "chunk_index": "0"},
		Vector:   vecs[0],
	}}))

	r := NewGuidelines(reg, testutil.HashEmbedder{})
	got, err := r.Retrieve(ctx, scope, "report deviations promptly", 3)
	require.NoError(t, err)

	assert.Equal(t, state.KindGuidelines, got.Kind)
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, "gcp.txt", got.Chunks[0].Metadata["source_file"])
}

func TestGuidelines_EmptyCollectionIsEmptyResult(t *testing.T) {
	reg := vectorstore.NewMemRegistry()
	ctx := testutil.Ctx()
	_, err := reg.GetOrCreate(ctx, "PD_guidelines")
	require.NoError(t, err)

	r := NewGuidelines(reg, testutil.HashEmbedder{})
	_, err = r.Retrieve(ctx, scope, "anything at all", 3)
	assert.ErrorIs(t, err, ErrEmptyResult)
}

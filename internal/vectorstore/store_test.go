package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemRegistry_GetMissingVsCreate(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	_, err := reg.Get(ctx, "PD_summaries")
	assert.ErrorIs(t, err, ErrCollectionMissing)

	created, err := reg.GetOrCreate(ctx, "PD_summaries")
	require.NoError(t, err)

	got, err := reg.Get(ctx, "PD_summaries")
	require.NoError(t, err)
	assert.Same(t, created, got)
}

func TestMemRegistry_DropAllowsRebuild(t *testing.T) {
	ctx := context.Background()
	reg := NewMemRegistry()

	c, err := reg.GetOrCreate(ctx, "PD_guidelines")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, []Document{{ID: "1", Text: "old", Vector: []float64{1}}}))

	require.NoError(t, reg.Drop(ctx, "PD_guidelines"))
	fresh, err := reg.GetOrCreate(ctx, "PD_guidelines")
	require.NoError(t, err)

	n, err := fresh.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemCollection_SearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	c := &MemCollection{}
	require.NoError(t, c.Add(ctx, []Document{
		{ID: "far", Text: "unrelated", Vector: []float64{0, 1}},
		{ID: "near", Text: "on topic", Vector: []float64{1, 0.1}},
		{ID: "mid", Text: "adjacent", Vector: []float64{1, 1}},
	}))

	hits, err := c.Search(ctx, []float64{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].ID)
	assert.Equal(t, "mid", hits[1].ID)
}

func TestMemCollection_SearchHonorsMetadataFilter(t *testing.T) {
	ctx := context.Background()
	c := &MemCollection{}
	require.NoError(t, c.Add(ctx, []Document{
		{ID: "pd", Metadata: map[string]string{"site_area": "PD"}, Vector: []float64{1, 0}},
		{ID: "sae", Metadata: map[string]string{"site_area": "SAE"}, Vector: []float64{1, 0}},
	}))

	hits, err := c.Search(ctx, []float64{1, 0}, 0, map[string]string{"site_area": "SAE"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sae", hits[0].ID)
}

func TestCosine_DegenerateInputs(t *testing.T) {
	assert.Zero(t, Cosine([]float64{1, 2}, []float64{1}))
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float64{0, 0}, []float64{1, 1}))
	assert.InDelta(t, 1.0, Cosine([]float64{2, 0}, []float64{5, 0}), 1e-9)
}

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/inspectgridgo/internal/ctxlog"
)

func testCtx() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const catalogHCL = `
domain "PD" {
  activity {
    id   = "PD_001"
    text = "check end-date closure within 5 days"
  }
  activity {
    text = "review open deviations older than 30 days"
  }
}
`

const referenceHCL = `
domain "PD" {
  table "protocol_deviations" {
    schema       = "pd"
    sheet        = "Protocol Deviations"
    site_column  = "Site_ID"
    trial_column = "Study_ID"
    columns      = ["Site_ID", "Study_ID", "Start_Date", "End_Date", "Number_Days_Outstanding"]
  }
}
`

const settingsHCL = `
settings {
  output_dir    = "artifacts"
  max_revisions = 2
  top_k         = 5
}
`

func TestLoad_FullModel(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		Settings:  writeFile(t, dir, "settings.hcl", settingsHCL),
		Catalog:   writeFile(t, dir, "catalog.hcl", catalogHCL),
		Reference: writeFile(t, dir, "reference.hcl", referenceHCL),
	}

	model, err := NewLoader().Load(testCtx(), paths)
	require.NoError(t, err)

	// Explicit settings kept, everything else defaulted.
	assert.Equal(t, "artifacts", model.Settings.OutputDir)
	assert.Equal(t, 2, model.Settings.MaxRevisions)
	assert.Equal(t, 5, model.Settings.TopK)
	assert.Equal(t, 1, model.Settings.MaxRelevancyChecks)
	assert.Equal(t, 2, model.Settings.MaxToolCalls)
	assert.Equal(t, 100, model.Settings.RecursionLimit)
	assert.Equal(t, 60, model.Settings.OperatorTimeoutMinutes)

	acts := model.Catalog.PrefixedActivities("PD")
	require.Len(t, acts, 2)
	assert.Equal(t, "<activity_id#PD_001> ### check end-date closure within 5 days", acts[0])
	// Position-derived id for the activity without one.
	assert.Equal(t, "<activity_id#PD_002> ### review open deviations older than 30 days", acts[1])

	ref, ok := model.Reference.Lookup("PD", "protocol_deviations")
	require.True(t, ok)
	assert.Equal(t, "pd", ref.Schema)
	assert.Equal(t, "Study_ID", ref.TrialColumn)
}

func TestLoad_MissingCatalogIsFatal(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{Reference: writeFile(t, dir, "reference.hcl", referenceHCL)}

	_, err := NewLoader().Load(testCtx(), paths)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestLoad_EmptyReferenceIsFatal(t *testing.T) {
	dir := t.TempDir()
	paths := Paths{
		Catalog:   writeFile(t, dir, "catalog.hcl", catalogHCL),
		Reference: writeFile(t, dir, "reference.hcl", "\n"),
	}

	_, err := NewLoader().Load(testCtx(), paths)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestLoadTriggers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "triggers.hcl", `
trigger {
  site_id  = "S1"
  trial_id = "T1"
  domains  = ["PD", "AE_SAE"]
  date     = "2024-10-11"
  reingest = true
}
`)

	trs, err := NewLoader().LoadTriggers(testCtx(), path)
	require.NoError(t, err)
	require.Len(t, trs.Triggers, 1)
	assert.Equal(t, "S1", trs.Triggers[0].SiteID)
	assert.Equal(t, []string{"PD", "AE_SAE"}, trs.Triggers[0].Domains)
	assert.True(t, trs.Triggers[0].Reingest)
}

func TestLoad_EnvInterpolation(t *testing.T) {
	t.Setenv("INSPECT_TEST_DSN", "postgres://reader@db/inspect")

	dir := t.TempDir()
	paths := Paths{
		Settings: writeFile(t, dir, "settings.hcl", `
settings {
  postgres_dsn = env.INSPECT_TEST_DSN
}
`),
		Catalog:   writeFile(t, dir, "catalog.hcl", catalogHCL),
		Reference: writeFile(t, dir, "reference.hcl", referenceHCL),
	}

	model, err := NewLoader().Load(testCtx(), paths)
	require.NoError(t, err)
	assert.Equal(t, "postgres://reader@db/inspect", model.Settings.PostgresDSN)
}

func TestCatalog_HasDomain(t *testing.T) {
	c := Catalog{Domains: []CatalogDomain{{Name: "PD", Activities: []Activity{{Text: "x"}}}, {Name: "IC"}}}
	assert.True(t, c.HasDomain("PD"))
	assert.False(t, c.HasDomain("IC"), "domain with no activities")
	assert.False(t, c.HasDomain("missing"))
}

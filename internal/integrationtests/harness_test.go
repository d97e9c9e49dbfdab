package integration_tests

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/inspectgridgo/internal/app"
	"github.com/vk/inspectgridgo/internal/artifacts"
	"github.com/vk/inspectgridgo/internal/chunk"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/fsstore"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/hitl"
	"github.com/vk/inspectgridgo/internal/ingest"
	"github.com/vk/inspectgridgo/internal/inspection"
	"github.com/vk/inspectgridgo/internal/notify"
	"github.com/vk/inspectgridgo/internal/plancritic"
	"github.com/vk/inspectgridgo/internal/relstore"
	"github.com/vk/inspectgridgo/internal/retriever"
	"github.com/vk/inspectgridgo/internal/selfrag"
	"github.com/vk/inspectgridgo/internal/supervisor"
	"github.com/vk/inspectgridgo/internal/testutil"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

const catalogHCL = `
domain "PD" {
  activity {
    id   = "PD_001"
    text = "Review open protocol deviations and verify timely closure"
  }
}
`

const referenceHCL = `
domain "PD" {
  table "protocol_deviations" {
    schema       = "site"
    site_column  = "Site_ID"
    trial_column = "Trial_ID"
    summary      = "protocol deviation records with deviation dates and outstanding days"
  }
}
`

// scriptRules covers every prompt the engine issues during a scripted run.
func scriptRules() []testutil.Rule {
	return []testutil.Rule{
		{Contains: "plan clinical inspection readiness", Reply: `{"sub_questions": ["How many deviations are open?"]}`},
		{Contains: "critique inspection review plans", Reply: `{"need_rewrite": false, "feedback": ""}`},
		{Contains: "route clinical inspection questions", Reply: `{"retriever": "summary_retriever"}`},
		{Contains: "grade whether retrieved context", Reply: `{"relevant": true}`},
		{Contains: "select the table columns needed", Reply: `{"columns": ["Deviation", "End_Date"]}`},
		{Contains: "Answer the question from the context", Reply: "One deviation is open."},
		{Contains: "synthesize clinical inspection readiness findings", Reply: "The site has one open deviation; closure is overdue."},
		{Contains: "columns relevant to an inspection finding", Reply: `{"columns": ["Deviation", "End_Date"]}`},
		{Contains: "pick the discrepant rows", Reply: `{"indices": [0]}`},
		{Contains: "consolidate discrepant rows", Reply: `{"indices": [0]}`},
	}
}

type stack struct {
	session  *app.Session
	model    *testutil.ScriptedModel
	store    *fsstore.Store
	outDir   string
	queueDir string
}

// newStack assembles the full engine from HCL surfaces through the real
// loader, with deterministic doubles for the model, embedder, and row source.
func newStack(t *testing.T, model *testutil.ScriptedModel, operatorTimeout time.Duration) *stack {
	t.Helper()

	confDir := t.TempDir()
	writeFile(t, confDir, "catalog.hcl", catalogHCL)
	writeFile(t, confDir, "reference.hcl", referenceHCL)

	loader := config.NewLoader()
	cfg, err := loader.Load(testutil.Ctx(), config.Paths{
		Catalog:   filepath.Join(confDir, "catalog.hcl"),
		Reference: filepath.Join(confDir, "reference.hcl"),
	})
	require.NoError(t, err)

	rows := &testutil.MemRows{Tables: map[string]relstore.ResultSet{
		"protocol_deviations": {
			Table:   "protocol_deviations",
			Columns: []string{"Site_ID", "Trial_ID", "Deviation", "End_Date"},
			Rows: []map[string]string{
				{"Site_ID": "S-001", "Trial_ID": "T-9", "Deviation": "missed visit", "End_Date": ""},
				{"Site_ID": "S-001", "Trial_ID": "T-9", "Deviation": "late sample", "End_Date": "2026-05-02"},
			},
		},
	}}

	guidelinesDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(guidelinesDir, "PD"), 0o755))
	writeFile(t, filepath.Join(guidelinesDir, "PD"), "gcp.txt",
		"Protocol deviations must be closed within five working days of detection.")

	reg := vectorstore.NewMemRegistry()
	ingestor := ingest.New(reg, testutil.HashEmbedder{}, &cfg.Reference, guidelinesDir, chunk.Options{Size: 400})
	sum := retriever.NewSummary(reg, testutil.HashEmbedder{}, rows, &cfg.Reference)
	guide := retriever.NewGuidelines(reg, testutil.HashEmbedder{})

	outDir := t.TempDir()
	writer := artifacts.NewWriter(outDir)

	planGraph, err := plancritic.New(model, 1).Graph()
	require.NoError(t, err)
	ragGraph, err := selfrag.New(model, sum, guide, 3, 2, 1).Graph()
	require.NoError(t, err)
	inspGraph, err := inspection.New(model, &cfg.Catalog, ingestor, sum, writer, planGraph, ragGraph).Graph()
	require.NoError(t, err)
	supGraph, err := supervisor.New(inspGraph, supervisor.StubReporter{},
		writer, artifacts.JSONRenderer{Writer: writer}, notify.Nop{}).Graph()
	require.NoError(t, err)

	store := fsstore.New(filepath.Join(outDir, "checkpoints"))
	queueDir := t.TempDir()

	return &stack{
		session: &app.Session{
			Runner:   graph.NewRunner(supGraph, graph.WithStore(store), graph.WithRecursionLimit(200)),
			Channel:  hitl.NewChannel(queueDir, model, operatorTimeout, 5*time.Millisecond),
			Notifier: notify.Nop{},
			Store:    store,
		},
		model:    model,
		store:    store,
		outDir:   outDir,
		queueDir: queueDir,
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// respond plays an operator: it answers each published question with the next
// scripted reply. Questions are distinguished by their AskedAt stamp so a
// fast re-publish is never mistaken for the one already answered.
func respond(t *testing.T, queueDir, runID string, replies ...string) {
	t.Helper()
	pendingPath := filepath.Join(queueDir, runID, "pending.json")
	replyPath := filepath.Join(queueDir, runID, "reply.txt")

	go func() {
		deadline := time.Now().Add(15 * time.Second)
		var answered time.Time
		for _, reply := range replies {
			for {
				if time.Now().After(deadline) {
					return
				}
				raw, err := os.ReadFile(pendingPath)
				if err == nil {
					var p hitl.Pending
					if json.Unmarshal(raw, &p) == nil && p.AskedAt.After(answered) {
						answered = p.AskedAt
						os.WriteFile(replyPath, []byte(reply), 0o644)
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
}

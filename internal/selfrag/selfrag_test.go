package selfrag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/inspectgridgo/internal/chunk"
	"github.com/vk/inspectgridgo/internal/config"
	"github.com/vk/inspectgridgo/internal/graph"
	"github.com/vk/inspectgridgo/internal/ingest"
	"github.com/vk/inspectgridgo/internal/llm"
	"github.com/vk/inspectgridgo/internal/relstore"
	"github.com/vk/inspectgridgo/internal/retriever"
	"github.com/vk/inspectgridgo/internal/state"
	"github.com/vk/inspectgridgo/internal/testutil"
	"github.com/vk/inspectgridgo/internal/vectorstore"
)

func pdReference() *config.Reference {
	return &config.Reference{Domains: []config.ReferenceDomain{{
		Name: "PD",
		Tables: []config.TableRef{{
			Name: "protocol_deviations", Schema: "site",
			SiteColumn: "Site_ID", TrialColumn: "Trial_ID",
			Summary: "protocol deviation records with deviation dates and outstanding days",
		}},
	}}}
}

func pdRows() *testutil.MemRows {
	return &testutil.MemRows{Tables: map[string]relstore.ResultSet{
		"protocol_deviations": {
			Table:   "protocol_deviations",
			Columns: []string{"Site_ID", "Trial_ID", "Deviation", "End_Date", "Number_Days_Outstanding"},
			Rows: []map[string]string{
				{"Site_ID": "S-001", "Trial_ID": "T-9", "Deviation": "missed visit", "End_Date": "", "Number_Days_Outstanding": "41"},
				{"Site_ID": "S-001", "Trial_ID": "T-9", "Deviation": "late sample", "End_Date": "2026-02-01", "Number_Days_Outstanding": "12"},
			},
		},
	}}
}

func newEngine(t *testing.T, model llm.ChatModel) *Engine {
	t.Helper()
	reg := vectorstore.NewMemRegistry()
	in := ingest.New(reg, testutil.HashEmbedder{}, pdReference(), t.TempDir(), chunk.Options{Size: 400})
	require.NoError(t, in.EnsureDomain(testutil.Ctx(), "PD", false))

	sum := retriever.NewSummary(reg, testutil.HashEmbedder{}, pdRows(), pdReference())
	guide := retriever.NewGuidelines(reg, testutil.HashEmbedder{})
	return New(model, sum, guide, 3, 2, 1)
}

func baseState() state.State {
	return state.State{
		RunID:    "r1",
		ThreadID: "t1",
		Triggers: []state.Trigger{{SiteID: "S-001", TrialID: "T-9", Domains: []string{"PD"}, Date: "2026-08-01"}},
		Domain:   "PD",
		Activity: "<activity_id#PD_001> ### Review open protocol deviations",
		SubQuestions: []string{
			"How many protocol deviation records are open for the site?",
		},
	}
}

func TestLoop_SiteDataPathAnswersAndAdvances(t *testing.T) {
	model := &testutil.ScriptedModel{Rules: []testutil.Rule{
		{Contains: "route clinical inspection questions", Reply: `{"retriever": "summary_retriever"}`},
		{Contains: "grade whether retrieved context", Reply: `{"relevant": true}`},
		{Contains: "select the table columns", Reply: `{"columns": ["Deviation", "End_Date", "Number_Days_Outstanding"]}`},
		{Contains: "Answer the question from the context", Reply: "One deviation remains open."},
	}}
	e := newEngine(t, model)
	g, err := e.Graph()
	require.NoError(t, err)

	out, err := graph.NewRunner(g).Run(testutil.Ctx(), baseState())
	require.NoError(t, err)
	require.NotNil(t, out.Completed)

	st := out.Completed
	assert.Equal(t, 1, st.SubIndex)
	require.Len(t, st.SubAnswers, 1)
	assert.Equal(t, "One deviation remains open.", st.SubAnswers[0].Answer)
	assert.Contains(t, st.QAPairs, "One deviation remains open.")
	assert.Nil(t, st.Context, "working context is cleared after recording")

	// The open row's outstanding-days figure must have been blanked in the
	// prompt, the closed row's kept.
	var answerPrompt string
	for _, p := range model.Prompts {
		if strings.Contains(p, "Answer the question from the context") {
			answerPrompt = p
		}
	}
	require.NotEmpty(t, answerPrompt)
	assert.Contains(t, answerPrompt, "late sample | 2026-02-01 | 12")
	assert.Contains(t, answerPrompt, "missed visit |  | ")
	assert.NotContains(t, answerPrompt, "41")
}

func TestLoop_RewriteOnceThenAnswer(t *testing.T) {
	model := &testutil.ScriptedModel{Rules: []testutil.Rule{
		{Contains: "route clinical inspection questions", Reply: `{"retriever": "summary_retriever"}`},
		{Contains: "grade whether retrieved context", Reply: `{"relevant": false}`},
		{Contains: "rewrite retrieval queries", Reply: "open protocol deviation count for site"},
		{Contains: "select the table columns", Reply: `{"columns": []}`},
		{Contains: "Answer the question from the context", Reply: "Answered after one rewrite."},
	}}
	e := newEngine(t, model)
	g, err := e.Graph()
	require.NoError(t, err)

	out, err := graph.NewRunner(g).Run(testutil.Ctx(), baseState())
	require.NoError(t, err)
	require.NotNil(t, out.Completed)

	// Grader said irrelevant both times, but the single relevancy-check
	// budget forces an answer after one rewrite.
	assert.Equal(t, "Answered after one rewrite.", out.Completed.SubAnswers[0].Answer)

	rewrites := 0
	for _, p := range model.Prompts {
		if strings.Contains(p, "Write one improved retrieval query") {
			rewrites++
		}
	}
	assert.Equal(t, 1, rewrites)

	// The rewrite leaves a trace in the loop's message channel.
	notes := 0
	for _, m := range out.Completed.Messages {
		if m.Agent == "self_rag" && strings.Contains(m.Text, "Rewrote retrieval query") {
			notes++
			assert.Contains(t, m.Text, "open protocol deviation count for site")
		}
	}
	assert.Equal(t, 1, notes)
}

func TestRewrite_ResetsRetrievalBudget(t *testing.T) {
	model := &testutil.ScriptedModel{Rules: []testutil.Rule{
		{Contains: "rewrite retrieval queries", Reply: "tighter query"},
	}}
	e := newEngine(t, model)

	st := baseState()
	st.Query = st.SubQuestions[0]
	st.ToolCalls = 2
	st.RelevancyChecks = 0

	patch, err := e.rewrite(testutil.Ctx(), &st)
	require.NoError(t, err)
	assert.Equal(t, "tighter query", patch[state.FieldQuery])
	assert.Equal(t, 0, patch[state.FieldToolCalls], "a new query starts with a fresh retrieval budget")
	assert.Equal(t, 1, patch[state.FieldRelevancyChecks])

	msgs, ok := patch[state.FieldMessages].([]state.Message)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "self_rag", msgs[0].Agent)
	assert.Contains(t, msgs[0].Text, "tighter query")
}

func TestLoop_MissingCorpusDegradesToNoContext(t *testing.T) {
	model := &testutil.ScriptedModel{Rules: []testutil.Rule{
		{Contains: "route clinical inspection questions", Reply: `{"retriever": "guidelines_retriever"}`},
		{Contains: "Answer the question from the context", Reply: "No guidance is available to answer this."},
	}}
	// Engine over an empty registry: neither collection exists.
	reg := vectorstore.NewMemRegistry()
	sum := retriever.NewSummary(reg, testutil.HashEmbedder{}, pdRows(), pdReference())
	guide := retriever.NewGuidelines(reg, testutil.HashEmbedder{})
	e := New(model, sum, guide, 3, 2, 1)
	g, err := e.Graph()
	require.NoError(t, err)

	out, err := graph.NewRunner(g).Run(testutil.Ctx(), baseState())
	require.NoError(t, err)
	require.NotNil(t, out.Completed)
	assert.Equal(t, "No guidance is available to answer this.", out.Completed.SubAnswers[0].Answer)

	var answerPrompt string
	for _, p := range model.Prompts {
		if strings.Contains(p, "Answer the question from the context") {
			answerPrompt = p
		}
	}
	assert.Contains(t, answerPrompt, noContextNotice)
}

func TestLoop_UnparsableRouterDefaultsToSummary(t *testing.T) {
	model := &testutil.ScriptedModel{Rules: []testutil.Rule{
		{Contains: "route clinical inspection questions", Reply: "cannot say"},
		{Contains: "grade whether retrieved context", Reply: `{"relevant": true}`},
		{Contains: "select the table columns", Reply: `{"columns": []}`},
		{Contains: "Answer the question from the context", Reply: "Defaulted fine."},
	}}
	e := newEngine(t, model)
	g, err := e.Graph()
	require.NoError(t, err)

	out, err := graph.NewRunner(g).Run(testutil.Ctx(), baseState())
	require.NoError(t, err)
	require.NotNil(t, out.Completed)
	assert.Equal(t, retriever.NameSummary, out.Completed.RetrieverChoice)
}

func TestBlankOutstanding_CopiesRows(t *testing.T) {
	rows := []map[string]string{
		{"End_Date": "", "Number_Days_Outstanding": "7", "X": "a"},
		{"End_Date": "2026-01-01", "Number_Days_Outstanding": "3"},
		{"X": "no outstanding column"},
	}
	out := blankOutstanding(rows)

	assert.Equal(t, "", out[0]["Number_Days_Outstanding"])
	assert.Equal(t, "3", out[1]["Number_Days_Outstanding"])
	assert.Equal(t, "7", rows[0]["Number_Days_Outstanding"], "input rows must not be mutated")
	_, has := out[2]["Number_Days_Outstanding"]
	assert.False(t, has)
}

package integration_tests

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/inspectgridgo/internal/testutil"
)

// TestResume_AfterProcessRestart simulates a crash at the first operator
// checkpoint: the run is driven to its first suspension, abandoned, and then
// redriven from the latest snapshot as a fresh process would.
func TestResume_AfterProcessRestart(t *testing.T) {
	t.Parallel()

	model := &testutil.ScriptedModel{Rules: scriptRules()}
	s := newStack(t, model, 10*time.Second)

	outcome, err := s.session.Runner.Run(testutil.Ctx(), runState("run-restart"))
	require.NoError(t, err)
	require.NotNil(t, outcome.Suspended, "the run must park at the plan checkpoint")
	assert.Equal(t, "process/inspection/plan_review/checkpoint", outcome.Suspended.Cursor.String())

	snap, err := s.store.Latest(testutil.Ctx(), "run-restart", "main")
	require.NoError(t, err)
	assert.Equal(t, outcome.Suspended.Cursor.String(), snap.Key.NodePath)

	// Redriving re-parks at the checkpoint and re-asks the operator, so the
	// reply sequence is the same as for an uninterrupted run.
	respond(t, s.queueDir, "run-restart", "y", "y")

	final, err := s.session.Redrive(testutil.Ctx(), "run-restart", "main")
	require.NoError(t, err)
	require.Len(t, final.Findings, 1)
	assert.Equal(t, "PD_001", final.Findings[0].ActivityID)
	assert.NotEmpty(t, final.FilePaths["manifest"])

	// The report branch ran exactly once despite the restart.
	reporterNotes := 0
	for _, m := range final.Messages {
		if m.Agent == "reporter" && strings.Contains(m.Text, "Queued readiness report") {
			reporterNotes++
		}
	}
	assert.Equal(t, 1, reporterNotes)
}

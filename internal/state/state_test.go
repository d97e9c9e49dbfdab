package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_ScalarLastWriter(t *testing.T) {
	s := State{Domain: "PD", ActivityIndex: 1}

	out, err := Apply(s, Patch{
		FieldDomain:        "AE_SAE",
		FieldActivityIndex: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "AE_SAE", out.Domain)
	assert.Equal(t, 2, out.ActivityIndex)
	// The input state is untouched.
	assert.Equal(t, "PD", s.Domain)
	assert.Equal(t, 1, s.ActivityIndex)
}

func TestApply_AppendOnlyListsConcatenate(t *testing.T) {
	s := State{SubAnswers: []QA{{Question: "q1", Answer: "a1"}}}

	out, err := Apply(s, Patch{
		FieldSubAnswers: []QA{{Question: "q2", Answer: "a2"}},
	})
	require.NoError(t, err)

	require.Len(t, out.SubAnswers, 2)
	assert.Equal(t, "q1", out.SubAnswers[0].Question)
	assert.Equal(t, "q2", out.SubAnswers[1].Question)
	// Existing entries are never rewritten.
	assert.Len(t, s.SubAnswers, 1)
}

func TestApply_DomainFlagsUseBooleanOr(t *testing.T) {
	s := State{DomainDone: map[string]bool{"PD": true, "AE_SAE": false}}

	out, err := Apply(s, Patch{
		FieldDomainDone: map[string]bool{"PD": false, "AE_SAE": true},
	})
	require.NoError(t, err)

	assert.True(t, out.DomainDone["PD"], "a set flag must never be cleared")
	assert.True(t, out.DomainDone["AE_SAE"])
}

func TestApply_IdentityFields(t *testing.T) {
	s := State{RunID: "20241011120000", TriggerIndex: 1}

	t.Run("matching run_id passes", func(t *testing.T) {
		out, err := Apply(s, Patch{FieldRunID: "20241011120000"})
		require.NoError(t, err)
		assert.Equal(t, "20241011120000", out.RunID)
	})

	t.Run("divergent run_id fails", func(t *testing.T) {
		_, err := Apply(s, Patch{FieldRunID: "different"})
		assert.ErrorContains(t, err, "identity merge conflict")
	})

	t.Run("divergent trigger index falls back to max", func(t *testing.T) {
		out, err := Apply(s, Patch{FieldTriggerIndex: 0})
		require.NoError(t, err)
		assert.Equal(t, 1, out.TriggerIndex)

		out, err = Apply(s, Patch{FieldTriggerIndex: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, out.TriggerIndex)
	})
}

func TestApply_UnknownFieldRejected(t *testing.T) {
	_, err := Apply(State{}, Patch{Field("nope"): 1})
	assert.ErrorContains(t, err, `unknown field "nope"`)
}

func TestMergePatches_ParallelBranches(t *testing.T) {
	inspection := Patch{
		FieldDomainDone: map[string]bool{"AE_SAE": true},
		FieldMessages:   []Message{{Agent: "inspection", Text: "one"}, {Agent: "inspection", Text: "two"}},
	}
	report := Patch{
		FieldDomainDone: map[string]bool{"SGR": true},
		FieldMessages:   []Message{{Agent: "report", Text: "done"}},
	}

	merged, err := MergePatches(inspection, report)
	require.NoError(t, err)

	out, err := Apply(State{}, merged)
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"AE_SAE": true, "SGR": true}, out.DomainDone)
	// Intra-agent order is preserved through the merge.
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "one", out.Messages[0].Text)
	assert.Equal(t, "two", out.Messages[1].Text)
	assert.Equal(t, "done", out.Messages[2].Text)
}

func TestMergePatches_IdentityConflict(t *testing.T) {
	_, err := MergePatches(Patch{FieldRunID: "a"}, Patch{FieldRunID: "b"})
	assert.ErrorContains(t, err, "identity merge conflict")
}

func TestStateHelpers(t *testing.T) {
	tr := Trigger{SiteID: "S1", TrialID: "T1", Domains: []string{"PD", "IC"}}
	s := State{Triggers: []Trigger{tr}, DomainDone: map[string]bool{DomainKey(&tr, "PD"): true}}

	require.NotNil(t, s.CurrentTrigger())
	assert.Equal(t, "S1", s.CurrentTrigger().SiteID)
	assert.False(t, s.AllDomainsDone(&tr))

	s.DomainDone[DomainKey(&tr, "IC")] = true
	assert.True(t, s.AllDomainsDone(&tr))

	// A different trigger covering the same domain is unaffected.
	other := Trigger{SiteID: "S2", TrialID: "T1", Domains: []string{"PD"}}
	assert.False(t, s.AllDomainsDone(&other))

	s.TriggerIndex = 1
	assert.Nil(t, s.CurrentTrigger())
}

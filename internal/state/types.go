package state

import "time"

// Trigger is one (site, trial, domains, date) tuple driving a processing pass.
type Trigger struct {
	SiteID   string   `json:"site_id"`
	TrialID  string   `json:"trial_id"`
	Domains  []string `json:"domains"`
	Date     string   `json:"date"`
	Reingest bool     `json:"reingest_flag"`
}

// QA is a single answered sub-question.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Message is one entry in an agent's message channel. Messages are append-only
// and mirrored verbatim into the run's scratch pad.
type Message struct {
	Agent string    `json:"agent"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Chunk is one retrieved unit of context with its provenance.
type Chunk struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score,omitempty"`
}

// ContextKind distinguishes the two retrieval corpora.
type ContextKind string

const (
	KindSiteData   ContextKind = "site_data"
	KindGuidelines ContextKind = "guidelines"
)

// RetrievedContext is what a retriever hands to the grader: chunks plus, for
// the site-data branch, the matched table summary and the filtered raw rows.
type RetrievedContext struct {
	Kind        ContextKind         `json:"kind"`
	Chunks      []Chunk             `json:"chunks"`
	FileSummary string              `json:"file_summary,omitempty"`
	Rows        []map[string]string `json:"rows,omitempty"`
	Columns     []string            `json:"columns,omitempty"`
	Table       string              `json:"table,omitempty"`
}

// Finding is the synthesized conclusion for one activity.
type Finding struct {
	ActivityID string `json:"activity_id"`
	AllQA      string `json:"all_qa"`
	Conclusion string `json:"conclusion"`
}

// Purpose values carried in a suspension cause, telling the operator channel
// which normalization applies to the resume value.
const (
	PurposeUserFeedback       = "get_user_feedback"
	PurposeSubActivityReview  = "get_user_feedback_for_sub_activities"
)

// State is the typed record threaded through every node of a run. Nodes never
// mutate it; they return a Patch and the runtime applies it through the
// reducer table.
type State struct {
	// Identity-merged fields.
	RunID        string `json:"run_id"`
	ThreadID     string `json:"thread_id"`
	TriggerIndex int    `json:"trigger_list_index"`

	// Trigger plan. Immutable after the run starts.
	Triggers []Trigger `json:"trigger_list"`

	// Scalar, last-writer-wins cursors.
	DomainIndex   int    `json:"site_area_activity_list_index"`
	ActivityIndex int    `json:"parent_index"`
	SubIndex      int    `json:"sub_activity_index"`
	Domain        string `json:"domain"`
	Activity      string `json:"activity"`
	ActivityID    string `json:"activity_id"`

	// Planner / critic working set.
	SubQuestions   []string `json:"final_sub_activities"`
	RevisionNumber int      `json:"revision_number"`
	MaxRevisions   int      `json:"max_revisions"`
	NeedRewrite    bool     `json:"need_rewrite"`
	CriticFeedback string   `json:"critic_feedback"`

	// Self-RAG working set for the current sub-question.
	Query           string            `json:"query"`
	RetrieverChoice string            `json:"retriever_choice"`
	RelevancyChecks int               `json:"relevancy_check_counter"`
	ToolCalls       int               `json:"tool_call_count"`
	Context         *RetrievedContext `json:"retrieved_context,omitempty"`

	// Rolling Q/A text available to the next sub-question.
	QAPairs string `json:"q_a_pairs"`

	// Append-only accumulations.
	SubAnswers    []QA      `json:"sub_activities_answers"`
	AllAnswers    []QA      `json:"all_answers"`
	MasterAnswers []QA      `json:"master_level_answers"`
	Messages      []Message `json:"messages"`
	Findings      []Finding `json:"findings"`
	Notifications []string  `json:"notifications"`

	// Per-domain completion flags for the current trigger. Boolean-OR merge.
	DomainDone map[string]bool `json:"trigger_flag_map"`

	// Per-key last-writer file path map (activity id -> persisted artifact).
	FilePaths map[string]string `json:"file_paths"`

	// Suspension bookkeeping.
	Purpose            string `json:"purpose"`
	LastNode           string `json:"last_node"`
	NextNode           string `json:"next_node"`
	OperatorFeedback   string `json:"operator_feedback"`
	SpecialInstruction string `json:"special_instruction"`
}

// CurrentTrigger returns the trigger under the cursor, or nil when the run has
// consumed its trigger list.
func (s *State) CurrentTrigger() *Trigger {
	if s.TriggerIndex < 0 || s.TriggerIndex >= len(s.Triggers) {
		return nil
	}
	return &s.Triggers[s.TriggerIndex]
}

// DomainKey scopes a completion flag to one trigger's site and trial, so two
// triggers covering the same domain never share a flag.
func DomainKey(t *Trigger, domain string) string {
	return t.SiteID + "|" + t.TrialID + "|" + domain
}

// AllDomainsDone reports whether every declared domain of the given trigger
// has its completion flag set.
func (s *State) AllDomainsDone(t *Trigger) bool {
	for _, d := range t.Domains {
		if !s.DomainDone[DomainKey(t, d)] {
			return false
		}
	}
	return true
}

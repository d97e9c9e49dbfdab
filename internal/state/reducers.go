package state

import (
	"fmt"
	"sort"
)

// Field names a single state field for patching. Every field a node may write
// appears here; Apply rejects unknown fields loudly rather than dropping them.
type Field string

const (
	FieldRunID        Field = "run_id"
	FieldThreadID     Field = "thread_id"
	FieldTriggerIndex Field = "trigger_list_index"
	FieldTriggers     Field = "trigger_list"

	FieldDomainIndex   Field = "site_area_activity_list_index"
	FieldActivityIndex Field = "parent_index"
	FieldSubIndex      Field = "sub_activity_index"
	FieldDomain        Field = "domain"
	FieldActivity      Field = "activity"
	FieldActivityID    Field = "activity_id"

	FieldSubQuestions   Field = "final_sub_activities"
	FieldRevisionNumber Field = "revision_number"
	FieldMaxRevisions   Field = "max_revisions"
	FieldNeedRewrite    Field = "need_rewrite"
	FieldCriticFeedback Field = "critic_feedback"

	FieldQuery           Field = "query"
	FieldRetrieverChoice Field = "retriever_choice"
	FieldRelevancyChecks Field = "relevancy_check_counter"
	FieldToolCalls       Field = "tool_call_count"
	FieldContext         Field = "retrieved_context"

	FieldQAPairs Field = "q_a_pairs"

	FieldSubAnswers    Field = "sub_activities_answers"
	FieldAllAnswers    Field = "all_answers"
	FieldMasterAnswers Field = "master_level_answers"
	FieldMessages      Field = "messages"
	FieldFindings      Field = "findings"
	FieldNotifications Field = "notifications"

	FieldDomainDone Field = "trigger_flag_map"
	FieldFilePaths  Field = "file_paths"

	FieldPurpose            Field = "purpose"
	FieldLastNode           Field = "last_node"
	FieldNextNode           Field = "next_node"
	FieldOperatorFeedback   Field = "operator_feedback"
	FieldSpecialInstruction Field = "special_instruction"
)

// Patch is a partial state update returned by a node. Keys are field names;
// values carry the semantics of that field's reducer (deltas for append-only
// lists, replacements for scalars).
type Patch map[Field]any

// Reducer merges an existing value with an incoming one. The same reducer is
// used when applying a patch to a state and when merging patches produced by
// parallel branches: for append-only fields both operations are concatenation,
// for scalars both are last-writer-wins, and so on.
type Reducer func(old, incoming any) (any, error)

type fieldDef struct {
	get    func(*State) any
	set    func(*State, any) error
	reduce Reducer
}

// lastWriter replaces the old value wholesale.
func lastWriter(_, incoming any) (any, error) { return incoming, nil }

// identityString requires both sides to agree once set.
func identityString(old, incoming any) (any, error) {
	o, _ := old.(string)
	n, ok := incoming.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", incoming)
	}
	if o != "" && n != "" && o != n {
		return nil, fmt.Errorf("identity merge conflict: %q vs %q", o, n)
	}
	if n == "" {
		return o, nil
	}
	return n, nil
}

// identityMaxInt expects agreement across branches; on divergence it falls
// back to the maximum so a stalled branch can never rewind the cursor.
func identityMaxInt(old, incoming any) (any, error) {
	o, _ := toInt(old)
	n, ok := toInt(incoming)
	if !ok {
		return nil, fmt.Errorf("expected int, got %T", incoming)
	}
	if n > o {
		return n, nil
	}
	return o, nil
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case nil:
		return 0, true
	}
	return 0, false
}

// orBoolMap unions two maps, OR-ing values: a domain marked done by any
// branch stays done.
func orBoolMap(old, incoming any) (any, error) {
	n, ok := incoming.(map[string]bool)
	if !ok {
		return nil, fmt.Errorf("expected map[string]bool, got %T", incoming)
	}
	out := map[string]bool{}
	if o, ok := old.(map[string]bool); ok {
		for k, v := range o {
			out[k] = v
		}
	}
	for k, v := range n {
		out[k] = out[k] || v
	}
	return out, nil
}

// keyedLastWriter unions two string maps, incoming side winning per key.
func keyedLastWriter(old, incoming any) (any, error) {
	n, ok := incoming.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("expected map[string]string, got %T", incoming)
	}
	out := map[string]string{}
	if o, ok := old.(map[string]string); ok {
		for k, v := range o {
			out[k] = v
		}
	}
	for k, v := range n {
		out[k] = v
	}
	return out, nil
}

func appendQA(old, incoming any) (any, error) {
	n, ok := incoming.([]QA)
	if !ok {
		return nil, fmt.Errorf("expected []QA, got %T", incoming)
	}
	o, _ := old.([]QA)
	return append(append([]QA{}, o...), n...), nil
}

func appendMessages(old, incoming any) (any, error) {
	n, ok := incoming.([]Message)
	if !ok {
		return nil, fmt.Errorf("expected []Message, got %T", incoming)
	}
	o, _ := old.([]Message)
	return append(append([]Message{}, o...), n...), nil
}

func appendStrings(old, incoming any) (any, error) {
	n, ok := incoming.([]string)
	if !ok {
		return nil, fmt.Errorf("expected []string, got %T", incoming)
	}
	o, _ := old.([]string)
	return append(append([]string{}, o...), n...), nil
}

func appendFindings(old, incoming any) (any, error) {
	n, ok := incoming.([]Finding)
	if !ok {
		return nil, fmt.Errorf("expected []Finding, got %T", incoming)
	}
	o, _ := old.([]Finding)
	return append(append([]Finding{}, o...), n...), nil
}

func intField(get func(*State) int, set func(*State, int), reduce Reducer) fieldDef {
	return fieldDef{
		get: func(s *State) any { return get(s) },
		set: func(s *State, v any) error {
			n, ok := toInt(v)
			if !ok {
				return fmt.Errorf("expected int, got %T", v)
			}
			set(s, n)
			return nil
		},
		reduce: reduce,
	}
}

func stringField(get func(*State) string, set func(*State, string), reduce Reducer) fieldDef {
	return fieldDef{
		get: func(s *State) any { return get(s) },
		set: func(s *State, v any) error {
			n, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
			set(s, n)
			return nil
		},
		reduce: reduce,
	}
}

func boolField(get func(*State) bool, set func(*State, bool)) fieldDef {
	return fieldDef{
		get: func(s *State) any { return get(s) },
		set: func(s *State, v any) error {
			n, ok := v.(bool)
			if !ok {
				return fmt.Errorf("expected bool, got %T", v)
			}
			set(s, n)
			return nil
		},
		reduce: lastWriter,
	}
}

// fields is the reducer table keyed by field name.
var fields = map[Field]fieldDef{
	FieldRunID:    stringField(func(s *State) string { return s.RunID }, func(s *State, v string) { s.RunID = v }, identityString),
	FieldThreadID: stringField(func(s *State) string { return s.ThreadID }, func(s *State, v string) { s.ThreadID = v }, identityString),
	FieldTriggerIndex: intField(func(s *State) int { return s.TriggerIndex },
		func(s *State, v int) { s.TriggerIndex = v }, identityMaxInt),
	FieldTriggers: {
		get: func(s *State) any { return s.Triggers },
		set: func(s *State, v any) error {
			n, ok := v.([]Trigger)
			if !ok {
				return fmt.Errorf("expected []Trigger, got %T", v)
			}
			s.Triggers = n
			return nil
		},
		reduce: lastWriter,
	},

	FieldDomainIndex: intField(func(s *State) int { return s.DomainIndex },
		func(s *State, v int) { s.DomainIndex = v }, lastWriter),
	FieldActivityIndex: intField(func(s *State) int { return s.ActivityIndex },
		func(s *State, v int) { s.ActivityIndex = v }, lastWriter),
	FieldSubIndex: intField(func(s *State) int { return s.SubIndex },
		func(s *State, v int) { s.SubIndex = v }, lastWriter),
	FieldDomain:     stringField(func(s *State) string { return s.Domain }, func(s *State, v string) { s.Domain = v }, lastWriter),
	FieldActivity:   stringField(func(s *State) string { return s.Activity }, func(s *State, v string) { s.Activity = v }, lastWriter),
	FieldActivityID: stringField(func(s *State) string { return s.ActivityID }, func(s *State, v string) { s.ActivityID = v }, lastWriter),

	FieldSubQuestions: {
		get: func(s *State) any { return s.SubQuestions },
		set: func(s *State, v any) error {
			n, ok := v.([]string)
			if !ok {
				return fmt.Errorf("expected []string, got %T", v)
			}
			s.SubQuestions = n
			return nil
		},
		reduce: lastWriter,
	},
	FieldRevisionNumber: intField(func(s *State) int { return s.RevisionNumber },
		func(s *State, v int) { s.RevisionNumber = v }, lastWriter),
	FieldMaxRevisions: intField(func(s *State) int { return s.MaxRevisions },
		func(s *State, v int) { s.MaxRevisions = v }, lastWriter),
	FieldNeedRewrite:    boolField(func(s *State) bool { return s.NeedRewrite }, func(s *State, v bool) { s.NeedRewrite = v }),
	FieldCriticFeedback: stringField(func(s *State) string { return s.CriticFeedback }, func(s *State, v string) { s.CriticFeedback = v }, lastWriter),

	FieldQuery:           stringField(func(s *State) string { return s.Query }, func(s *State, v string) { s.Query = v }, lastWriter),
	FieldRetrieverChoice: stringField(func(s *State) string { return s.RetrieverChoice }, func(s *State, v string) { s.RetrieverChoice = v }, lastWriter),
	FieldRelevancyChecks: intField(func(s *State) int { return s.RelevancyChecks },
		func(s *State, v int) { s.RelevancyChecks = v }, lastWriter),
	FieldToolCalls: intField(func(s *State) int { return s.ToolCalls },
		func(s *State, v int) { s.ToolCalls = v }, lastWriter),
	FieldContext: {
		get: func(s *State) any { return s.Context },
		set: func(s *State, v any) error {
			if v == nil {
				s.Context = nil
				return nil
			}
			n, ok := v.(*RetrievedContext)
			if !ok {
				return fmt.Errorf("expected *RetrievedContext, got %T", v)
			}
			s.Context = n
			return nil
		},
		reduce: lastWriter,
	},

	FieldQAPairs: stringField(func(s *State) string { return s.QAPairs }, func(s *State, v string) { s.QAPairs = v }, lastWriter),

	FieldSubAnswers: {
		get:    func(s *State) any { return s.SubAnswers },
		set:    func(s *State, v any) error { s.SubAnswers = v.([]QA); return nil },
		reduce: appendQA,
	},
	FieldAllAnswers: {
		get:    func(s *State) any { return s.AllAnswers },
		set:    func(s *State, v any) error { s.AllAnswers = v.([]QA); return nil },
		reduce: appendQA,
	},
	FieldMasterAnswers: {
		get:    func(s *State) any { return s.MasterAnswers },
		set:    func(s *State, v any) error { s.MasterAnswers = v.([]QA); return nil },
		reduce: appendQA,
	},
	FieldMessages: {
		get:    func(s *State) any { return s.Messages },
		set:    func(s *State, v any) error { s.Messages = v.([]Message); return nil },
		reduce: appendMessages,
	},
	FieldFindings: {
		get:    func(s *State) any { return s.Findings },
		set:    func(s *State, v any) error { s.Findings = v.([]Finding); return nil },
		reduce: appendFindings,
	},
	FieldNotifications: {
		get:    func(s *State) any { return s.Notifications },
		set:    func(s *State, v any) error { s.Notifications = v.([]string); return nil },
		reduce: appendStrings,
	},

	FieldDomainDone: {
		get:    func(s *State) any { return s.DomainDone },
		set:    func(s *State, v any) error { s.DomainDone = v.(map[string]bool); return nil },
		reduce: orBoolMap,
	},
	FieldFilePaths: {
		get:    func(s *State) any { return s.FilePaths },
		set:    func(s *State, v any) error { s.FilePaths = v.(map[string]string); return nil },
		reduce: keyedLastWriter,
	},

	FieldPurpose:            stringField(func(s *State) string { return s.Purpose }, func(s *State, v string) { s.Purpose = v }, lastWriter),
	FieldLastNode:           stringField(func(s *State) string { return s.LastNode }, func(s *State, v string) { s.LastNode = v }, lastWriter),
	FieldNextNode:           stringField(func(s *State) string { return s.NextNode }, func(s *State, v string) { s.NextNode = v }, lastWriter),
	FieldOperatorFeedback:   stringField(func(s *State) string { return s.OperatorFeedback }, func(s *State, v string) { s.OperatorFeedback = v }, lastWriter),
	FieldSpecialInstruction: stringField(func(s *State) string { return s.SpecialInstruction }, func(s *State, v string) { s.SpecialInstruction = v }, lastWriter),
}

// Apply returns a new state with the patch folded in through the reducer
// table. The receiver is never mutated. Fields are applied in sorted order so
// the operation is deterministic.
func Apply(s State, p Patch) (State, error) {
	out := s
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		def, ok := fields[Field(k)]
		if !ok {
			return s, fmt.Errorf("state: unknown field %q in patch", k)
		}
		merged, err := def.reduce(def.get(&out), p[Field(k)])
		if err != nil {
			return s, fmt.Errorf("state: reduce %q: %w", k, err)
		}
		if err := def.set(&out, merged); err != nil {
			return s, fmt.Errorf("state: set %q: %w", k, err)
		}
	}
	return out, nil
}

// MergePatches folds the patches of parallel branches into one, using the
// same reducer table. Append-only deltas concatenate in argument order, which
// keeps intra-branch message order stable.
func MergePatches(patches ...Patch) (Patch, error) {
	out := Patch{}
	for _, p := range patches {
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		for _, k := range keys {
			f := Field(k)
			def, ok := fields[f]
			if !ok {
				return nil, fmt.Errorf("state: unknown field %q in patch", k)
			}
			if prev, dup := out[f]; dup {
				merged, err := def.reduce(prev, p[f])
				if err != nil {
					return nil, fmt.Errorf("state: merge %q: %w", k, err)
				}
				out[f] = merged
			} else {
				out[f] = p[f]
			}
		}
	}
	return out, nil
}

// Package router implements the action loop: one operation per turn, decided
// by the decision source, dispatched over a closed operation set, with every
// turn journaled to the run's action log.
package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/loom/internal/decisionsource"
	"github.com/fyrsmithlabs/loom/internal/huddle"
)

// ErrUnknownOperation is returned for operation names outside the manifest.
var ErrUnknownOperation = errors.New("unknown operation")

// Operation is one manifest operation. The set is closed: dispatch is an
// exhaustive type switch, and adding an operation means adding a variant
// here, a parse arm, and a manifest entry.
type Operation interface {
	Name() string
}

// SetMode switches the plan execution mode.
type SetMode struct {
	Mode string `json:"mode"`
}

func (SetMode) Name() string { return "set_mode" }

// OpenHuddle requests a consultation.
type OpenHuddle struct {
	Topic        string   `json:"topic"`
	Mode         string   `json:"mode"`
	Participants []string `json:"participants,omitempty"`
}

func (OpenHuddle) Name() string { return "open_huddle" }

// RecordDecisionSummary attaches a decision to an open huddle. A non-empty
// Supersedes records a replacement for an earlier decision. KeepOpen leaves
// the huddle open for further summaries (at most three in total).
type RecordDecisionSummary struct {
	HuddleID   string          `json:"huddle_id"`
	Topic      string          `json:"topic,omitempty"`
	Decision   string          `json:"decision"`
	Rationale  string          `json:"rationale"`
	Options    []string        `json:"options,omitempty"`
	Risks      []string        `json:"risks,omitempty"`
	Actions    []huddle.Action `json:"actions,omitempty"`
	Contracts  []string        `json:"contracts,omitempty"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	Supersedes string          `json:"supersedes,omitempty"`
	KeepOpen   bool            `json:"keep_open,omitempty"`
}

func (RecordDecisionSummary) Name() string { return "record_decision_summary" }

// InjectSummary pushes a recorded decision into working context.
type InjectSummary struct {
	DecisionID string `json:"decision_id"`
}

func (InjectSummary) Name() string { return "inject_summary" }

// ExecTask is one executor assignment inside a spawn.
type ExecTask struct {
	Segment      string `json:"segment"`
	Instructions string `json:"instructions"`
}

// SpawnExecutors runs up to the slice budget of executors concurrently.
type SpawnExecutors struct {
	Tasks []ExecTask `json:"tasks"`
}

func (SpawnExecutors) Name() string { return "spawn_executors" }

// ScheduleSlice queues segments for the next executor slice.
type ScheduleSlice struct {
	Segments []string `json:"segments"`
}

func (ScheduleSlice) Name() string { return "schedule_slice" }

// KnowledgeQuery searches the project knowledge index.
type KnowledgeQuery struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

func (KnowledgeQuery) Name() string { return "knowledge_query" }

// ExternalSearch searches outside the project corpus.
type ExternalSearch struct {
	Query string `json:"query"`
}

func (ExternalSearch) Name() string { return "external_search" }

// RunContractTests executes contract tests, all of them when IDs is empty.
type RunContractTests struct {
	TestIDs []string `json:"test_ids,omitempty"`
}

func (RunContractTests) Name() string { return "run_contract_tests" }

// ProposeAdvanceStep asks to advance the critical path to the named step,
// subject to its stage gates.
type ProposeAdvanceStep struct {
	ToStep string `json:"to_step"`
}

func (ProposeAdvanceStep) Name() string { return "propose_advance_step" }

// WriteArtifact writes a file inside the run sandbox.
type WriteArtifact struct {
	Path    string   `json:"path"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (WriteArtifact) Name() string { return "write_artifact" }

// ReadArtifact reads a sandbox file back.
type ReadArtifact struct {
	Path string `json:"path"`
}

func (ReadArtifact) Name() string { return "read_artifact" }

// FinalizeRun triggers the finalization pass and ends the run.
type FinalizeRun struct {
	Reason string `json:"reason,omitempty"`
}

func (FinalizeRun) Name() string { return "finalize_run" }

// ParseOperation decodes a decided tool call into its operation variant.
// rag_search and web_search are accepted as aliases for knowledge_query and
// external_search.
func ParseOperation(name string, args json.RawMessage) (Operation, error) {
	if len(args) == 0 {
		args = []byte("{}")
	}
	var op Operation
	switch name {
	case "set_mode":
		op = &SetMode{}
	case "open_huddle":
		op = &OpenHuddle{}
	case "record_decision_summary":
		op = &RecordDecisionSummary{}
	case "inject_summary":
		op = &InjectSummary{}
	case "spawn_executors":
		op = &SpawnExecutors{}
	case "schedule_slice":
		op = &ScheduleSlice{}
	case "knowledge_query", "rag_search":
		op = &KnowledgeQuery{}
	case "external_search", "web_search":
		op = &ExternalSearch{}
	case "run_contract_tests":
		op = &RunContractTests{}
	case "propose_advance_step":
		op = &ProposeAdvanceStep{}
	case "write_artifact":
		op = &WriteArtifact{}
	case "read_artifact":
		op = &ReadArtifact{}
	case "finalize_run":
		op = &FinalizeRun{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	if err := json.Unmarshal(args, op); err != nil {
		return nil, fmt.Errorf("decoding %s args: %w", name, err)
	}
	return op, nil
}

// Manifest returns the operation set as decision-source tools. The manifest
// is fixed for the whole run.
func Manifest() []decisionsource.ToolDef {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	strList := func(desc string) map[string]any {
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
	}
	return []decisionsource.ToolDef{
		{
			Name:        "set_mode",
			Description: "Switch plan execution mode: ladder, tracks, or weave.",
			Schema:      map[string]any{"mode": str("Target mode")},
		},
		{
			Name:        "open_huddle",
			Description: "Open a consultation on a design question. Mode is dialog or synthesis.",
			Schema: map[string]any{
				"topic":        str("Question to settle"),
				"mode":         str("dialog or synthesis"),
				"participants": strList("Participant roles"),
			},
		},
		{
			Name:        "record_decision_summary",
			Description: "Record a decision from an open huddle. Set supersedes to replace an earlier decision.",
			Schema: map[string]any{
				"huddle_id":  str("Huddle the decision came from"),
				"topic":      str("Question the decision settles; defaults to the huddle topic"),
				"decision":   str("The decision"),
				"rationale":  str("Why"),
				"options":    strList("Alternatives considered"),
				"risks":      strList("Known risks"),
				"contracts":  strList("Contract test ids the decision binds to"),
				"supersedes": str("Decision id being replaced, if any"),
				"actions": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"owner":    str("Who follows up"),
							"task":     str("What they do"),
							"deadline": str("When, if bounded"),
						},
					},
					"description": "Follow-up actions the decision commits to",
				},
				"evidence": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "object"},
					"description": "Evidence references backing the decision",
				},
				"keep_open": map[string]any{"type": "boolean", "description": "Leave the huddle open for more summaries"},
			},
		},
		{
			Name:        "inject_summary",
			Description: "Inject a recorded decision into executor working context.",
			Schema:      map[string]any{"decision_id": str("Decision to inject")},
		},
		{
			Name:        "spawn_executors",
			Description: "Run executor tasks concurrently, bounded by the slice budget.",
			Schema: map[string]any{
				"tasks": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"segment":      str("Plan segment"),
							"instructions": str("What to do"),
						},
					},
				},
			},
		},
		{
			Name:        "schedule_slice",
			Description: "Queue plan segments for the next executor slice.",
			Schema:      map[string]any{"segments": strList("Segments to schedule")},
		},
		{
			Name:        "knowledge_query",
			Description: "Search the project knowledge index.",
			Schema: map[string]any{
				"query": str("Search query"),
				"k":     map[string]any{"type": "integer", "description": "Max results"},
			},
		},
		{
			Name:        "external_search",
			Description: "Search outside the project corpus.",
			Schema:      map[string]any{"query": str("Search query")},
		},
		{
			Name:        "run_contract_tests",
			Description: "Run contract tests; all of them when test_ids is empty.",
			Schema:      map[string]any{"test_ids": strList("Tests to run")},
		},
		{
			Name:        "propose_advance_step",
			Description: "Advance the critical path to the named step if its stage gates pass.",
			Schema:      map[string]any{"to_step": str("Target step")},
		},
		{
			Name:        "write_artifact",
			Description: "Write a file inside the run sandbox.",
			Schema: map[string]any{
				"path":    str("Sandbox-relative path"),
				"content": str("File content"),
				"tags":    strList("Labels"),
			},
		},
		{
			Name:        "read_artifact",
			Description: "Read a sandbox file.",
			Schema:      map[string]any{"path": str("Sandbox-relative path")},
		},
		{
			Name:        "finalize_run",
			Description: "Run the finalization pass and end the run.",
			Schema:      map[string]any{"reason": str("Why the run is done")},
		},
	}
}

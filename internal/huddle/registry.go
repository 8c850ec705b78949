package huddle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// Action is one follow-up commitment carried by a decision.
type Action struct {
	Owner    string `json:"owner"`
	Task     string `json:"task"`
	Deadline string `json:"deadline,omitempty"`
}

// Link relates a decision to another record. Supersession is expressed as a
// link with rel "supersedes" pointing at the replaced decision.
type Link struct {
	Rel    string `json:"rel"`
	Target string `json:"target"`
}

// DecisionSummary is one immutable recorded decision. Correction happens by
// recording a new summary that supersedes the old one, never by mutation.
type DecisionSummary struct {
	ID        string         `json:"id"`
	HuddleID  string         `json:"huddle_id"`
	Topic     string         `json:"topic"`
	Decision  string         `json:"decision"`
	Rationale string         `json:"rationale"`
	Options   []string       `json:"options,omitempty"`
	Risks     []string       `json:"risks,omitempty"`
	Actions   []Action       `json:"actions,omitempty"`
	Contracts []string       `json:"contracts,omitempty"`
	Evidence  []evidence.Ref `json:"evidence,omitempty"`
	Links     []Link         `json:"links,omitempty"`

	// Supersedes mirrors the supersedes link for direct lookup.
	Supersedes string    `json:"supersedes,omitempty"`
	Injected   bool      `json:"injected"`
	CreatedAt  time.Time `json:"created_at"`
}

// Draft is the input to Record and Supersede. Topic and Decision are
// required; everything else is optional.
type Draft struct {
	Topic     string
	Decision  string
	Rationale string
	Options   []string
	Risks     []string
	Actions   []Action
	Contracts []string
	Evidence  []evidence.Ref
}

var (
	// ErrUnknownDecision is returned for lookups of decision ids never
	// recorded.
	ErrUnknownDecision = errors.New("unknown decision summary")

	// ErrInvalidSummary is returned for drafts missing a topic or decision.
	ErrInvalidSummary = errors.New("decision summary missing topic or decision")
)

// Registry is the append-only decision store. Summaries are persisted one
// file each under artifacts/decisions/ as they are recorded.
type Registry struct {
	runDir string
	logger *zap.Logger
	now    func() time.Time

	seq     int
	order   []string
	byID    map[string]DecisionSummary
	current map[string]string // superseded id → replacement id
}

// NewRegistry creates an empty registry persisting under runDir.
func NewRegistry(runDir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		runDir:  runDir,
		logger:  logger,
		now:     time.Now,
		byID:    map[string]DecisionSummary{},
		current: map[string]string{},
	}
}

// LoadRegistry rebuilds a registry from the decision files persisted under
// runDir. Missing directory yields an empty registry.
func LoadRegistry(runDir string, logger *zap.Logger) *Registry {
	r := NewRegistry(runDir, logger)
	dir := filepath.Join(runDir, "artifacts", "decisions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return r
	}
	var summaries []DecisionSummary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var ds DecisionSummary
		if err := json.Unmarshal(data, &ds); err != nil || ds.ID == "" {
			continue
		}
		summaries = append(summaries, ds)
	}
	// Decision ids are zero-padded, so lexical order is record order.
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	for _, ds := range summaries {
		r.order = append(r.order, ds.ID)
		r.byID[ds.ID] = ds
		if ds.Supersedes != "" {
			r.current[ds.Supersedes] = ds.ID
		}
		r.seq++
	}
	return r
}

// Record appends a new decision summary and persists it.
func (r *Registry) Record(huddleID string, d Draft) (DecisionSummary, error) {
	return r.record(huddleID, d, "")
}

// Supersede appends a replacement for oldID. The old summary stays in the
// registry untouched; readers asking for the effective decision follow the
// supersede link forward.
func (r *Registry) Supersede(oldID, huddleID string, d Draft) (DecisionSummary, error) {
	if _, ok := r.byID[oldID]; !ok {
		return DecisionSummary{}, fmt.Errorf("%w: %s", ErrUnknownDecision, oldID)
	}
	ds, err := r.record(huddleID, d, oldID)
	if err != nil {
		return DecisionSummary{}, err
	}
	r.current[oldID] = ds.ID
	return ds, nil
}

func (r *Registry) record(huddleID string, d Draft, supersedes string) (DecisionSummary, error) {
	if strings.TrimSpace(d.Topic) == "" || strings.TrimSpace(d.Decision) == "" {
		return DecisionSummary{}, ErrInvalidSummary
	}
	r.seq++
	ds := DecisionSummary{
		ID:         fmt.Sprintf("ds_%06d", r.seq),
		HuddleID:   huddleID,
		Topic:      d.Topic,
		Decision:   d.Decision,
		Rationale:  d.Rationale,
		Options:    d.Options,
		Risks:      d.Risks,
		Actions:    d.Actions,
		Contracts:  d.Contracts,
		Evidence:   d.Evidence,
		Supersedes: supersedes,
		CreatedAt:  r.now().UTC(),
	}
	if supersedes != "" {
		ds.Links = append(ds.Links, Link{Rel: "supersedes", Target: supersedes})
	}
	if err := r.persist(ds); err != nil {
		r.seq--
		return DecisionSummary{}, err
	}
	r.order = append(r.order, ds.ID)
	r.byID[ds.ID] = ds
	r.logger.Info("decision recorded",
		zap.String("decision_id", ds.ID),
		zap.String("huddle_id", huddleID),
		zap.String("supersedes", supersedes),
	)
	return ds, nil
}

// Get returns a summary by id.
func (r *Registry) Get(id string) (DecisionSummary, error) {
	ds, ok := r.byID[id]
	if !ok {
		return DecisionSummary{}, fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	return ds, nil
}

// Effective resolves id through any supersede chain to the decision that
// currently stands.
func (r *Registry) Effective(id string) (DecisionSummary, error) {
	ds, err := r.Get(id)
	if err != nil {
		return DecisionSummary{}, err
	}
	for {
		next, ok := r.current[ds.ID]
		if !ok {
			return ds, nil
		}
		ds = r.byID[next]
	}
}

// MarkInjected flags a summary as injected into working context. The flag is
// operational state, not part of the decision content, so mutating it does
// not break immutability.
func (r *Registry) MarkInjected(id string) error {
	ds, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}
	ds.Injected = true
	r.byID[id] = ds
	return r.persist(ds)
}

// Latest returns up to n most recent summaries, newest last.
func (r *Registry) Latest(n int) []DecisionSummary {
	start := 0
	if len(r.order) > n {
		start = len(r.order) - n
	}
	out := make([]DecisionSummary, 0, len(r.order)-start)
	for _, id := range r.order[start:] {
		out = append(out, r.byID[id])
	}
	return out
}

// All returns every summary in record order.
func (r *Registry) All() []DecisionSummary {
	out := make([]DecisionSummary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Uninjected returns summaries not yet injected, oldest first.
func (r *Registry) Uninjected() []DecisionSummary {
	var out []DecisionSummary
	for _, id := range r.order {
		if ds := r.byID[id]; !ds.Injected {
			out = append(out, ds)
		}
	}
	return out
}

// InjectionText renders a summary as the context block handed to executors.
func InjectionText(ds DecisionSummary) string {
	text := fmt.Sprintf("[decision %s] %s\nrationale: %s", ds.ID, ds.Decision, ds.Rationale)
	if ds.Topic != "" {
		text += fmt.Sprintf("\ntopic: %s", ds.Topic)
	}
	if ds.Supersedes != "" {
		text += fmt.Sprintf("\nsupersedes: %s", ds.Supersedes)
	}
	for _, a := range ds.Actions {
		text += fmt.Sprintf("\naction: %s: %s", a.Owner, a.Task)
	}
	for _, ref := range ds.Evidence {
		text += fmt.Sprintf("\nevidence: %s %s", ref.Type, ref.ID)
	}
	return text
}

func (r *Registry) persist(ds DecisionSummary) error {
	dir := filepath.Join(r.runDir, "artifacts", "decisions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating decisions dir: %w", err)
	}
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding decision %s: %w", ds.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ds.ID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("writing decision %s: %w", ds.ID, err)
	}
	return nil
}

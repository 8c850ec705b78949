// Package plan tracks the directed record of execution segments and
// mode-switch edges for a run. Edges and reasons are append-only: switching
// modes adds history, it never rewrites it.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Mode labels how segments execute.
type Mode string

const (
	// ModeLadder runs segments strictly in sequence.
	ModeLadder Mode = "ladder"

	// ModeTracks runs segments as logically parallel tracks.
	ModeTracks Mode = "tracks"

	// ModeWeave mixes a ladder critical path with tracked side work.
	ModeWeave Mode = "weave"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLadder, ModeTracks, ModeWeave:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q", s)
	}
}

// SegmentStatus is the lifecycle state of one segment.
type SegmentStatus string

const (
	StatusPending   SegmentStatus = "pending"
	StatusActive    SegmentStatus = "active"
	StatusCompleted SegmentStatus = "completed"
	StatusFailed    SegmentStatus = "failed"
)

// Segment is one node of the plan graph.
type Segment struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Mode     Mode          `json:"mode"`
	Status   SegmentStatus `json:"status"`
	Critical bool          `json:"critical"`
}

// Edge records one transition with its reason.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Reason is one journal entry explaining a structural change.
type Reason struct {
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Details string    `json:"details"`
}

// ErrNoActiveSegment is returned when the critical path has no active
// segment, which indicates corrupted run state.
var ErrNoActiveSegment = errors.New("no active critical segment")

// Graph is the plan graph aggregate. All mutation happens on the action
// loop's single thread; the mutex exists for snapshot readers (watchers,
// finalization).
type Graph struct {
	mu            sync.Mutex
	segments      []Segment
	edges         []Edge
	modeBySegment map[string]Mode
	reasons       []Reason
}

// NewGraph creates a graph whose critical path starts at the given ordered
// segment ids, the first one active.
func NewGraph(mode Mode, segmentIDs []string) *Graph {
	g := &Graph{modeBySegment: map[string]Mode{"main": mode}}
	for i, id := range segmentIDs {
		status := StatusPending
		if i == 0 {
			status = StatusActive
		}
		g.segments = append(g.segments, Segment{
			ID:       id,
			Name:     id,
			Mode:     mode,
			Status:   status,
			Critical: true,
		})
	}
	return g
}

// Current returns the single active critical segment.
func (g *Graph) Current() (Segment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.segments {
		if s.Critical && s.Status == StatusActive {
			return s, nil
		}
	}
	return Segment{}, ErrNoActiveSegment
}

// Advance marks the active critical segment completed and activates to. The
// transition edge carries reason. Advance is only reachable through a passed
// stage gate; no other code path completes a segment.
func (g *Graph) Advance(to, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	fromIdx := -1
	toIdx := -1
	for i, s := range g.segments {
		if s.Critical && s.Status == StatusActive {
			fromIdx = i
		}
		if s.ID == to {
			toIdx = i
		}
	}
	if fromIdx == -1 {
		return ErrNoActiveSegment
	}
	if toIdx == -1 {
		return fmt.Errorf("unknown segment %q", to)
	}
	from := g.segments[fromIdx].ID
	g.segments[fromIdx].Status = StatusCompleted
	if fromIdx != toIdx {
		g.segments[toIdx].Status = StatusActive
	} else {
		// Terminal segment: completing it leaves it active for reporting.
		g.segments[toIdx].Status = StatusActive
	}
	g.edges = append(g.edges, Edge{From: from, To: to, Reason: reason})
	g.reasons = append(g.reasons, Reason{TS: time.Now().UTC(), Type: "advance", Details: reason})
	return nil
}

// SwitchMode appends a mode-switch edge and updates the mode map. Weave maps
// the critical path to ladder and side work to tracks.
func (g *Graph) SwitchMode(prev, next Mode, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if next == ModeWeave {
		g.modeBySegment = map[string]Mode{"critical": ModeLadder, "docs": ModeTracks}
	} else {
		g.modeBySegment = map[string]Mode{"main": next}
	}
	g.edges = append(g.edges, Edge{From: string(prev), To: string(next), Reason: reason})
	g.reasons = append(g.reasons, Reason{TS: time.Now().UTC(), Type: "mode_switch", Details: reason})
}

// AddReason appends a journal entry without an edge (e.g. replan marks).
func (g *Graph) AddReason(reasonType, details string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reasons = append(g.reasons, Reason{TS: time.Now().UTC(), Type: reasonType, Details: details})
}

// MarkForReplan appends a replan edge for the active segment, used when the
// knowledge bus flags new information.
func (g *Graph) MarkForReplan(reason string) error {
	cur, err := g.Current()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, Edge{From: cur.ID, To: cur.ID, Reason: reason})
	g.reasons = append(g.reasons, Reason{TS: time.Now().UTC(), Type: "replan", Details: reason})
	return nil
}

// EdgeCount returns the number of edges recorded so far.
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Snapshot is the serializable view of the graph.
type Snapshot struct {
	Segments      []Segment       `json:"segments"`
	Edges         []Edge          `json:"edges"`
	ModeBySegment map[string]Mode `json:"mode_by_segment"`
	Reasons       []Reason        `json:"reasons"`
}

// Snapshot returns a deep copy safe to serialize.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		Segments:      make([]Segment, len(g.segments)),
		Edges:         make([]Edge, len(g.edges)),
		ModeBySegment: make(map[string]Mode, len(g.modeBySegment)),
		Reasons:       make([]Reason, len(g.reasons)),
	}
	copy(snap.Segments, g.segments)
	copy(snap.Edges, g.edges)
	copy(snap.Reasons, g.reasons)
	for k, v := range g.modeBySegment {
		snap.ModeBySegment[k] = v
	}
	return snap
}

// Load rebuilds a graph from a saved snapshot under runDir.
func Load(runDir string) (*Graph, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "artifacts", "plans", "plan_graph.json"))
	if err != nil {
		return nil, fmt.Errorf("reading plan snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding plan snapshot: %w", err)
	}
	return &Graph{
		segments:      snap.Segments,
		edges:         snap.Edges,
		modeBySegment: snap.ModeBySegment,
		reasons:       snap.Reasons,
	}, nil
}

// Save writes the snapshot to artifacts/plans/plan_graph.json under runDir
// and returns the run-relative path.
func (g *Graph) Save(runDir string) (string, error) {
	rel := filepath.Join("artifacts", "plans", "plan_graph.json")
	abs := filepath.Join(runDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("creating plans dir: %w", err)
	}
	data, err := json.MarshalIndent(g.Snapshot(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding plan snapshot: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("writing plan snapshot: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

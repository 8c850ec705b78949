// Package huddle implements structured multi-agent consultations and the
// decision summaries they produce. A huddle moves requested → active →
// closing → completed; the transcript and every summary are persisted under
// the run's artifacts so decisions stay auditable after the fact.
package huddle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Phase is a huddle lifecycle state.
type Phase string

const (
	PhaseRequested Phase = "requested"
	PhaseActive    Phase = "active"
	PhaseClosing   Phase = "closing"
	PhaseCompleted Phase = "completed"
)

// Mode selects how a huddle is conducted.
type Mode string

const (
	// ModeDialog runs up to MaxRounds turn-taking rounds until every
	// participant agrees.
	ModeDialog Mode = "dialog"

	// ModeSynthesis runs a single round where one participant condenses the
	// topic into a decision directly.
	ModeSynthesis Mode = "synthesis"
)

// ParseMode validates a huddle mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDialog, ModeSynthesis:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid huddle mode %q", s)
	}
}

// Turn is one participant utterance.
type Turn struct {
	Round       int       `json:"round"`
	Participant string    `json:"participant"`
	Content     string    `json:"content"`
	TS          time.Time `json:"ts"`
}

// Huddle is one consultation with its transcript.
type Huddle struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Mode         Mode      `json:"mode"`
	Participants []string  `json:"participants"`
	Phase        Phase     `json:"phase"`
	Rounds       int       `json:"rounds"`
	MaxRounds    int       `json:"max_rounds"`
	Transcript   []Turn    `json:"transcript"`
	SummaryIDs   []string  `json:"summary_ids"`
	Rejections   int       `json:"rejections,omitempty"`
	ForceClosed  bool      `json:"force_closed"`
	CreatedAt    time.Time `json:"created_at"`
	ClosedAt     time.Time `json:"closed_at"`
}

// Speaker produces one participant turn. Implementations wrap a model
// backend; errors are retried once before the huddle is force-closed.
type Speaker interface {
	Speak(ctx context.Context, topic, participant string, transcript []Turn) (string, error)
}

var (
	// ErrTooManyOpen is returned when opening a huddle would exceed the
	// configured concurrent-huddle budget.
	ErrTooManyOpen = errors.New("too many open huddles")

	// ErrSummaryLimit is returned when a huddle already carries its maximum
	// of three decision summaries.
	ErrSummaryLimit = errors.New("huddle summary limit reached")

	// ErrNotActive is returned for operations that need an open huddle.
	ErrNotActive = errors.New("huddle is not active")
)

// maxSummaries is the per-huddle decision summary cap.
const maxSummaries = 3

// agreeMarker is the consensus line participants emit, e.g. "AGREE: yes".
const agreeMarker = "AGREE:"

// Manager conducts huddles and owns their persistence. All calls happen on
// the action loop's turn thread.
type Manager struct {
	runDir    string
	speaker   Speaker
	registry  *Registry
	logger    *zap.Logger
	maxOpen   int
	maxRounds int
	now       func() time.Time

	seq  int
	open map[string]*Huddle
}

// NewManager creates a huddle manager. maxOpen and maxRounds fall back to 2
// and 3 when non-positive.
func NewManager(runDir string, speaker Speaker, registry *Registry, maxOpen, maxRounds int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxOpen <= 0 {
		maxOpen = 2
	}
	if maxRounds <= 0 || maxRounds > 3 {
		maxRounds = 3
	}
	return &Manager{
		runDir:    runDir,
		speaker:   speaker,
		registry:  registry,
		logger:    logger,
		maxOpen:   maxOpen,
		maxRounds: maxRounds,
		now:       time.Now,
		open:      map[string]*Huddle{},
	}
}

// OpenCount returns the number of huddles not yet completed.
func (m *Manager) OpenCount() int { return len(m.open) }

// Open creates a huddle in PhaseRequested.
func (m *Manager) Open(topic string, mode Mode, participants []string) (*Huddle, error) {
	if len(m.open) >= m.maxOpen {
		return nil, fmt.Errorf("%w: %d open, budget %d", ErrTooManyOpen, len(m.open), m.maxOpen)
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("huddle topic is required")
	}
	if len(participants) == 0 {
		participants = []string{"architect", "reviewer"}
	}
	if mode == ModeSynthesis {
		participants = participants[:1]
	}
	m.seq++
	h := &Huddle{
		ID:           fmt.Sprintf("hd_%06d", m.seq),
		Topic:        topic,
		Mode:         mode,
		Participants: participants,
		Phase:        PhaseRequested,
		MaxRounds:    m.maxRounds,
		CreatedAt:    m.now().UTC(),
	}
	m.open[h.ID] = h
	m.logger.Info("huddle opened",
		zap.String("huddle_id", h.ID),
		zap.String("mode", string(mode)),
		zap.String("topic", topic),
	)
	return h, nil
}

// Get returns an open huddle by id.
func (m *Manager) Get(id string) (*Huddle, bool) {
	h, ok := m.open[id]
	return h, ok
}

// Conduct runs the huddle's rounds through the speaker and moves it to
// PhaseClosing. A speaker failure is retried once; a second failure
// force-closes the huddle with whatever transcript exists.
func (m *Manager) Conduct(ctx context.Context, h *Huddle) error {
	if h.Phase != PhaseRequested {
		return fmt.Errorf("%w: huddle %s in phase %s", ErrNotActive, h.ID, h.Phase)
	}
	h.Phase = PhaseActive

	rounds := h.MaxRounds
	if h.Mode == ModeSynthesis {
		rounds = 1
	}
	for round := 1; round <= rounds; round++ {
		h.Rounds = round
		agreed := true
		for _, p := range h.Participants {
			content, err := m.speakWithRetry(ctx, h, p)
			if err != nil {
				m.logger.Warn("speaker failed twice, force-closing huddle",
					zap.String("huddle_id", h.ID),
					zap.String("participant", p),
					zap.Error(err),
				)
				h.ForceClosed = true
				h.Phase = PhaseClosing
				return m.persist(h)
			}
			h.Transcript = append(h.Transcript, Turn{
				Round:       round,
				Participant: p,
				Content:     content,
				TS:          m.now().UTC(),
			})
			if !agrees(content) {
				agreed = false
			}
		}
		if h.Mode == ModeSynthesis || agreed {
			break
		}
	}
	h.Phase = PhaseClosing
	return m.persist(h)
}

func (m *Manager) speakWithRetry(ctx context.Context, h *Huddle, participant string) (string, error) {
	content, err := m.speaker.Speak(ctx, h.Topic, participant, h.Transcript)
	if err == nil {
		return content, nil
	}
	m.logger.Debug("speaker error, retrying once",
		zap.String("huddle_id", h.ID),
		zap.String("participant", participant),
		zap.Error(err),
	)
	return m.speaker.Speak(ctx, h.Topic, participant, h.Transcript)
}

// agrees reports whether content carries an affirmative consensus line.
func agrees(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, agreeMarker) {
			continue
		}
		answer := strings.ToLower(strings.TrimSpace(line[len(agreeMarker):]))
		return answer == "yes" || strings.HasPrefix(answer, "yes")
	}
	return false
}

// RecordSummary attaches a decision summary to a closing huddle and records
// it in the registry. A huddle carries one to three summaries. A draft with
// no topic inherits the huddle's. An invalid draft is rejected once for
// retry; a second rejection force-closes the huddle with a best-effort
// summary.
func (m *Manager) RecordSummary(h *Huddle, d Draft) (DecisionSummary, error) {
	if h.Phase != PhaseClosing && h.Phase != PhaseActive {
		return DecisionSummary{}, fmt.Errorf("%w: huddle %s in phase %s", ErrNotActive, h.ID, h.Phase)
	}
	if len(h.SummaryIDs) >= maxSummaries {
		return DecisionSummary{}, ErrSummaryLimit
	}
	if strings.TrimSpace(d.Topic) == "" {
		d.Topic = h.Topic
	}
	ds, err := m.registry.Record(h.ID, d)
	if err != nil {
		if errors.Is(err, ErrInvalidSummary) {
			h.Rejections++
			if h.Rejections > 1 {
				m.logger.Warn("summary rejected twice, force-closing huddle",
					zap.String("huddle_id", h.ID))
				h.ForceClosed = true
				if cerr := m.Close(h); cerr != nil {
					return DecisionSummary{}, cerr
				}
				return DecisionSummary{}, fmt.Errorf("%w: huddle %s force-closed", err, h.ID)
			}
		}
		return DecisionSummary{}, err
	}
	h.SummaryIDs = append(h.SummaryIDs, ds.ID)
	return ds, m.persist(h)
}

// Close completes the huddle. A force-closed huddle with no summary gets a
// best-effort one synthesized from its last transcript turn, so no completed
// huddle is ever summary-less.
func (m *Manager) Close(h *Huddle) error {
	if h.Phase == PhaseCompleted {
		return nil
	}
	if h.Phase == PhaseRequested || h.Phase == PhaseActive {
		h.Phase = PhaseClosing
	}
	if len(h.SummaryIDs) == 0 {
		decision := "huddle closed without explicit decision"
		rationale := "force-closed; summary synthesized from transcript"
		if last := lastTurn(h); last != nil {
			rationale = fmt.Sprintf("best effort from %s (round %d): %s",
				last.Participant, last.Round, truncate(last.Content, 400))
		}
		ds, err := m.registry.Record(h.ID, Draft{
			Topic:     h.Topic,
			Decision:  decision,
			Rationale: rationale,
		})
		if err != nil {
			return err
		}
		h.SummaryIDs = append(h.SummaryIDs, ds.ID)
	}
	h.Phase = PhaseCompleted
	h.ClosedAt = m.now().UTC()
	delete(m.open, h.ID)
	m.logger.Info("huddle completed",
		zap.String("huddle_id", h.ID),
		zap.Int("rounds", h.Rounds),
		zap.Int("summaries", len(h.SummaryIDs)),
		zap.Bool("force_closed", h.ForceClosed),
	)
	return m.persist(h)
}

func lastTurn(h *Huddle) *Turn {
	if len(h.Transcript) == 0 {
		return nil
	}
	return &h.Transcript[len(h.Transcript)-1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// persist writes the huddle record to artifacts/huddles/<id>.json and a
// readable transcript next to it as <id>.md.
func (m *Manager) persist(h *Huddle) error {
	dir := filepath.Join(m.runDir, "artifacts", "huddles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating huddles dir: %w", err)
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding huddle %s: %w", h.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, h.ID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("writing huddle %s: %w", h.ID, err)
	}
	md := transcriptMarkdown(h)
	if err := os.WriteFile(filepath.Join(dir, h.ID+".md"), []byte(md), 0o644); err != nil {
		return fmt.Errorf("writing huddle transcript %s: %w", h.ID, err)
	}
	return nil
}

// transcriptMarkdown renders the huddle for human review.
func transcriptMarkdown(h *Huddle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", h.ID, h.Topic)
	fmt.Fprintf(&b, "mode: %s, phase: %s, participants: %s\n",
		h.Mode, h.Phase, strings.Join(h.Participants, ", "))
	if h.ForceClosed {
		b.WriteString("force closed\n")
	}
	round := 0
	for _, t := range h.Transcript {
		if t.Round != round {
			round = t.Round
			fmt.Fprintf(&b, "\n## Round %d\n", round)
		}
		fmt.Fprintf(&b, "\n**%s**: %s\n", t.Participant, t.Content)
	}
	if len(h.SummaryIDs) > 0 {
		b.WriteString("\n## Decisions\n")
		for _, id := range h.SummaryIDs {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	return b.String()
}

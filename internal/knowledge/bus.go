// Package knowledge implements the knowledge bus: mid-run signals (retrieval
// hits, external findings, operator drop-ins) that may trigger replanning or
// a huddle. Signals are append-only JSONL under the run's artifacts.
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// Source labels where a signal came from.
type Source string

const (
	SourceRag      Source = "rag"
	SourceExternal Source = "external"
	SourceDropin   Source = "dropin"
	SourceExecutor Source = "executor"
)

// Severity grades how disruptive a signal is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotable  Severity = "notable"
	SeverityCritical Severity = "critical"
)

// EffectType is the action a signal asks of the controller.
type EffectType string

const (
	EffectNone          EffectType = "none"
	EffectSuggestHuddle EffectType = "suggest_huddle"
	EffectReplan        EffectType = "replan"
)

// Signal is one knowledge bus entry.
type Signal struct {
	ID       string         `json:"id"`
	TS       time.Time      `json:"ts"`
	Source   Source         `json:"source"`
	Topic    string         `json:"topic"`
	Content  string         `json:"content"`
	Severity Severity       `json:"severity"`
	Refs     []evidence.Ref `json:"refs,omitempty"`
}

// Effect is the controller-facing consequence of a published signal.
type Effect struct {
	Type     EffectType `json:"type"`
	SignalID string     `json:"signal_id"`
	Details  string     `json:"details,omitempty"`
}

// EffectFor maps a signal to its controller effect: critical asks for a
// replan, notable suggests a huddle, info is inert.
func EffectFor(sig Signal) Effect {
	eff := Effect{Type: EffectNone, SignalID: sig.ID}
	switch sig.Severity {
	case SeverityCritical:
		eff.Type = EffectReplan
		eff.Details = sig.Topic
	case SeverityNotable:
		eff.Type = EffectSuggestHuddle
		eff.Details = sig.Topic
	}
	return eff
}

// signalsRel is the run-relative signals journal path.
const signalsRel = "artifacts/knowledge/signals.jsonl"

// Bus collects signals for one run. Publish may be called from the watcher
// goroutine, so the bus locks; readers on the turn thread see a snapshot.
type Bus struct {
	runDir string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	seq     int
	signals []Signal
	readIdx int
}

// NewBus creates a bus journaling under runDir.
func NewBus(runDir string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{runDir: runDir, logger: logger, now: time.Now}
}

// LoadBus rebuilds a bus from the signals journal under runDir. Replayed
// signals count as read. A missing journal yields an empty bus.
func LoadBus(runDir string, logger *zap.Logger) (*Bus, error) {
	b := NewBus(runDir, logger)
	data, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(signalsRel)))
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("reading signals journal: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var sig Signal
		if err := json.Unmarshal([]byte(line), &sig); err != nil {
			return nil, fmt.Errorf("decoding signal: %w", err)
		}
		b.signals = append(b.signals, sig)
	}
	b.seq = len(b.signals)
	b.readIdx = len(b.signals)
	return b, nil
}

// Publish records a signal, appends it to the journal, and returns the effect
// the controller should consider. Critical severity asks for a replan,
// notable suggests a huddle, info is inert.
func (b *Bus) Publish(source Source, topic, content string, severity Severity, refs []evidence.Ref) (Signal, Effect, error) {
	if strings.TrimSpace(topic) == "" {
		return Signal{}, Effect{}, errors.New("signal topic is required")
	}
	switch severity {
	case SeverityInfo, SeverityNotable, SeverityCritical:
	default:
		severity = SeverityInfo
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sig := Signal{
		ID:       fmt.Sprintf("sig_%06d", b.seq),
		TS:       b.now().UTC(),
		Source:   source,
		Topic:    topic,
		Content:  content,
		Severity: severity,
		Refs:     refs,
	}
	if err := b.appendLocked(sig); err != nil {
		b.seq--
		return Signal{}, Effect{}, err
	}
	b.signals = append(b.signals, sig)

	eff := EffectFor(sig)
	b.logger.Info("knowledge signal published",
		zap.String("signal_id", sig.ID),
		zap.String("source", string(source)),
		zap.String("severity", string(severity)),
		zap.String("effect", string(eff.Type)),
	)
	return sig, eff, nil
}

func (b *Bus) appendLocked(sig Signal) error {
	abs := filepath.Join(b.runDir, filepath.FromSlash(signalsRel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating knowledge dir: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening signals journal: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending signal: %w", err)
	}
	return nil
}

// Unread returns signals published since the last MarkRead, newest last.
func (b *Bus) Unread() []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Signal, len(b.signals)-b.readIdx)
	copy(out, b.signals[b.readIdx:])
	return out
}

// MarkRead advances the read cursor past everything currently published.
func (b *Bus) MarkRead() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readIdx = len(b.signals)
}

// All returns every signal published so far.
func (b *Bus) All() []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Signal, len(b.signals))
	copy(out, b.signals)
	return out
}

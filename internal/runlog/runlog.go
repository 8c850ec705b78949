// Package runlog is the append-only action log of a run. Every turn writes
// one JSONL entry to run.jsonl; entries are never rewritten, so the file is
// the authoritative replayable history. Sensitive payload fields are redacted
// before they touch disk.
package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EntryType classifies log entries.
type EntryType string

const (
	TypeRunStart    EntryType = "run_start"
	TypeOperation   EntryType = "operation"
	TypeObservation EntryType = "observation"
	TypeError       EntryType = "error"
	TypeRunEnd      EntryType = "run_end"
)

// Entry is one action log record. Turn records carry the loop's step number;
// across a run the operation entries form exactly one record per turn with
// strictly increasing steps.
type Entry struct {
	Seq     int             `json:"seq"`
	Step    int             `json:"step,omitempty"`
	TS      time.Time       `json:"ts"`
	Type    EntryType       `json:"type"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FileName is the log file name under the run directory.
const FileName = "run.jsonl"

// redactedFields are payload keys whose values never reach disk.
var redactedFields = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

// Log appends entries to a run's action log.
type Log struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	seq  int
}

// Open creates or reopens the action log under runDir. Reopening continues
// the sequence after the last persisted entry.
func Open(runDir string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(runDir, FileName)
	seq := 0
	if entries, err := ReadAll(runDir); err == nil && len(entries) > 0 {
		seq = entries[len(entries)-1].Seq
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening action log: %w", err)
	}
	return &Log{path: path, logger: logger, now: time.Now, file: f, seq: seq}, nil
}

// Append writes one entry. The payload is marshaled, redacted, and flushed
// before Append returns; a failed append leaves the sequence untouched.
// step is the turn number for operation entries, zero for lifecycle entries.
func (l *Log) Append(entryType EntryType, op string, step int, payload any) (Entry, error) {
	raw, err := marshalRedacted(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{
		Seq:     l.seq + 1,
		Step:    step,
		TS:      l.now().UTC(),
		Type:    entryType,
		Op:      op,
		Payload: raw,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("appending entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("syncing action log", zap.Error(err))
	}
	l.seq = e.Seq
	return e, nil
}

// Seq returns the last appended sequence number.
func (l *Log) Seq() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadAll loads every entry of a run's action log in order.
func ReadAll(runDir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(runDir, FileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("decoding entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning action log: %w", err)
	}
	return entries, nil
}

// marshalRedacted marshals payload with sensitive keys replaced by a
// redaction marker carrying the original length.
func marshalRedacted(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, nil
	}
	redacted := redactValue(generic)
	return json.Marshal(redacted)
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if redactedFields[strings.ToLower(k)] {
				if s, ok := inner.(string); ok {
					val[k] = fmt.Sprintf("[REDACTED:%d]", len(s))
				} else {
					val[k] = "[REDACTED]"
				}
				continue
			}
			val[k] = redactValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = redactValue(inner)
		}
		return val
	default:
		return v
	}
}

// Package retrieval provides the project knowledge index consulted by the
// knowledge_query operation. The production index is chromem-go backed; a
// deterministic in-memory index serves tests and offline runs.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

// Doc is one indexed knowledge document.
type Doc struct {
	ID      string            `json:"id"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Hit is one scored retrieval result.
type Hit struct {
	Doc   Doc     `json:"doc"`
	Score float32 `json:"score"`
}

// Ref returns the frozen evidence reference for the hit, hashing the doc
// content as retrieved.
func (h Hit) Ref() evidence.Ref {
	hash := evidence.HashString(evidence.SHA256Bytes([]byte(h.Doc.Content)))
	return evidence.FromRagDoc(h.Doc.ID, float64(h.Score), hash)
}

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("query is empty")

// Index is the retrieval surface the controller depends on.
type Index interface {
	Add(ctx context.Context, docs []Doc) error
	Query(ctx context.Context, query string, k int) ([]Hit, error)
}

// MemoryIndex is a deterministic token-overlap index. It keeps retrieval
// behavior testable without an embedding backend.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []Doc
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex { return &MemoryIndex{} }

// Add indexes docs. Re-adding an id replaces the old content.
func (m *MemoryIndex) Add(_ context.Context, docs []Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		if d.ID == "" {
			return errors.New("doc id is required")
		}
		replaced := false
		for i := range m.docs {
			if m.docs[i].ID == d.ID {
				m.docs[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			m.docs = append(m.docs, d)
		}
	}
	return nil
}

// Query scores docs by query-token overlap and returns the top k.
func (m *MemoryIndex) Query(_ context.Context, query string, k int) ([]Hit, error) {
	terms := tokens(query)
	if len(terms) == 0 {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = 5
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, d := range m.docs {
		docTokens := tokens(d.Content)
		matched := 0
		for t := range terms {
			if docTokens[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{Doc: d, Score: float32(matched) / float32(len(terms))})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Doc.ID < hits[j].Doc.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:'\"()[]{}")
		if len(f) > 2 {
			out[f] = true
		}
	}
	return out
}

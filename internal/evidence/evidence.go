// Package evidence provides typed, hash-bearing references to the artifacts,
// retrieved documents, and external sources that decisions cite.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Type discriminates the Ref union.
type Type string

const (
	// TypeArtifact references a file under the run's artifact sandbox.
	TypeArtifact Type = "artifact"

	// TypeRagDoc references a document returned by the retrieval index.
	TypeRagDoc Type = "rag_doc"

	// TypeExternal references a URL outside the run (reserved).
	TypeExternal Type = "external"
)

// Ref is a tagged reference to a piece of supporting evidence.
//
// Once a Ref is attached to a decision its Hash is frozen: drift detection
// re-hashes the referenced path and compares against the frozen value, it
// never updates it.
type Ref struct {
	Type Type `json:"type"`

	// ID is the artifact path or retrieved-document id. Unset for external.
	ID string `json:"id,omitempty"`

	// Hash is "sha256:<hex>" for artifact refs; optional otherwise.
	Hash string `json:"hash,omitempty"`

	// Score is the retrieval relevance score for rag_doc refs.
	Score float64 `json:"score,omitempty"`

	// URL and Title describe external refs.
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Valid reports whether the ref has a known type and the fields that type
// requires. Malformed refs are dropped by callers, never coerced.
func (r Ref) Valid() bool {
	switch r.Type {
	case TypeArtifact:
		return r.ID != ""
	case TypeRagDoc:
		return r.ID != ""
	case TypeExternal:
		return r.URL != ""
	default:
		return false
	}
}

// SHA256Bytes returns the hex digest of data.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString formats a hex digest as a frozen hash value.
func HashString(hexDigest string) string {
	if hexDigest == "" {
		return ""
	}
	return "sha256:" + hexDigest
}

// FromArtifactPath builds an artifact ref for rel under root, freezing the
// current content hash. A missing or unreadable file yields an empty hash,
// matching the store's tolerance for not-yet-written paths.
func FromArtifactPath(root, rel string) Ref {
	data, err := os.ReadFile(filepath.Join(root, rel))
	hash := ""
	if err == nil {
		hash = HashString(SHA256Bytes(data))
	}
	return Ref{Type: TypeArtifact, ID: rel, Hash: hash}
}

// FromRagDoc builds a retrieved-document ref.
func FromRagDoc(docID string, score float64, hash string) Ref {
	return Ref{Type: TypeRagDoc, ID: docID, Score: score, Hash: hash}
}

// FromExternal builds an external ref.
func FromExternal(url, title string) Ref {
	return Ref{Type: TypeExternal, URL: url, Title: title}
}

// CurrentSHA256 re-hashes rel under root for drift detection. It returns
// ("", false) when the file cannot be read. Frozen refs are never mutated.
func CurrentSHA256(root, rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return "", false
	}
	return SHA256Bytes(data), true
}

// ParseList decodes a JSON array of refs, returning the valid refs and the
// number of entries dropped for having a malformed type or missing fields.
func ParseList(raw json.RawMessage) ([]Ref, int, error) {
	if len(raw) == 0 {
		return nil, 0, nil
	}
	var refs []Ref
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, 0, fmt.Errorf("decoding evidence refs: %w", err)
	}
	return Filter(refs)
}

// Filter splits refs into valid refs and a dropped count.
func Filter(refs []Ref) ([]Ref, int, error) {
	out := make([]Ref, 0, len(refs))
	dropped := 0
	for _, r := range refs {
		if !r.Valid() {
			dropped++
			continue
		}
		out = append(out, r)
	}
	return out, dropped, nil
}

package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromArtifactPath_FreezesHash(t *testing.T) {
	root := t.TempDir()
	rel := filepath.Join("artifacts", "contracts", "openapi.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, rel)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte("openapi: 3.0.0\n"), 0o644))

	ref := FromArtifactPath(root, rel)

	assert.Equal(t, TypeArtifact, ref.Type)
	assert.Equal(t, rel, ref.ID)
	assert.Equal(t, "sha256:"+SHA256Bytes([]byte("openapi: 3.0.0\n")), ref.Hash)
}

func TestFromArtifactPath_MissingFile(t *testing.T) {
	ref := FromArtifactPath(t.TempDir(), "artifacts/nope.txt")
	assert.Equal(t, TypeArtifact, ref.Type)
	assert.Empty(t, ref.Hash)
}

func TestCurrentSHA256_DriftRoundTrip(t *testing.T) {
	root := t.TempDir()
	rel := "artifacts/api.md"
	require.NoError(t, os.MkdirAll(filepath.Join(root, "artifacts"), 0o755))
	path := filepath.Join(root, rel)
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	frozen, ok := CurrentSHA256(root, rel)
	require.True(t, ok)

	// Rewrite to different content: hash must change.
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	now, ok := CurrentSHA256(root, rel)
	require.True(t, ok)
	assert.NotEqual(t, frozen, now)

	// Rewrite back: hash must match the frozen value again.
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	again, ok := CurrentSHA256(root, rel)
	require.True(t, ok)
	assert.Equal(t, frozen, again)
}

func TestRefValid(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
		want bool
	}{
		{"artifact", Ref{Type: TypeArtifact, ID: "artifacts/a.txt"}, true},
		{"artifact missing id", Ref{Type: TypeArtifact}, false},
		{"rag doc", Ref{Type: TypeRagDoc, ID: "doc-1", Score: 0.8}, true},
		{"external", Ref{Type: TypeExternal, URL: "https://example.com"}, true},
		{"external missing url", Ref{Type: TypeExternal}, false},
		{"unknown type", Ref{Type: "decision", ID: "ds_000001"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Valid())
		})
	}
}

func TestParseList_DropsMalformed(t *testing.T) {
	raw := []byte(`[
		{"type":"artifact","id":"artifacts/a.txt","hash":"sha256:abc"},
		{"type":"bogus","id":"x"},
		{"type":"rag_doc","id":"doc-9","score":0.42}
	]`)

	refs, dropped, err := ParseList(raw)

	require.NoError(t, err)
	assert.Len(t, refs, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, TypeArtifact, refs[0].Type)
	assert.Equal(t, TypeRagDoc, refs[1].Type)
}

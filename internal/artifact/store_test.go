package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestWriteText_IndexesAndHashes(t *testing.T) {
	s := newTestStore(t)

	art, err := s.WriteText("backend/app/main.py", "print('ok')\n", []string{"backend"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "artifacts/backend/app/main.py", art.Path)
	assert.NotEmpty(t, art.SHA256)
	assert.Equal(t, art.SHA256[:16], art.ID)

	listed := s.List()
	require.Len(t, listed, 1)
	assert.Equal(t, art.Path, listed[0].Path)

	// Index survives reopening the store.
	reopened, err := NewStore(s.RunDir(), nil)
	require.NoError(t, err)
	require.Len(t, reopened.List(), 1)
}

func TestWriteText_RejectsSandboxEscape(t *testing.T) {
	s := newTestStore(t)

	escapes := []string{
		"../outside.txt",
		"artifacts/../../etc/passwd",
		"a/../../../b",
		"/etc/passwd",
		"artifacts/ok/../../run.jsonl",
	}
	for _, p := range escapes {
		_, err := s.WriteText(p, "x", nil, nil)
		assert.ErrorIs(t, err, ErrSandboxEscape, "path %q must be rejected", p)
	}

	// Nothing may have been written outside artifacts/.
	_, err := os.Stat(filepath.Join(s.RunDir(), "run.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestRead_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	art, err := s.WriteText("notes.md", "# notes\n", nil, nil)
	require.NoError(t, err)

	content, hash, err := s.Read("notes.md")

	require.NoError(t, err)
	assert.Equal(t, "# notes\n", content)
	assert.Equal(t, "sha256:"+art.SHA256, hash)
}

func TestRead_MissingFile(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Read("does/not/exist.txt")
	assert.Error(t, err)
}

func TestGlob_MatchesIndexAndDisk(t *testing.T) {
	s := newTestStore(t)
	_, err := s.WriteText("backend/app/main.py", "x", nil, nil)
	require.NoError(t, err)

	_, ok := s.Glob("backend/**")
	assert.True(t, ok)

	_, ok = s.Glob("artifacts/backend/**")
	assert.True(t, ok)

	_, ok = s.Glob("frontend/**")
	assert.False(t, ok)

	// A file written directly to disk (not indexed) still matches.
	onDisk := filepath.Join(s.RunDir(), "artifacts", "frontend", "index.html")
	require.NoError(t, os.MkdirAll(filepath.Dir(onDisk), 0o755))
	require.NoError(t, os.WriteFile(onDisk, []byte("<html/>"), 0o644))
	art, ok := s.Glob("frontend/**")
	require.True(t, ok)
	assert.Equal(t, "artifacts/frontend/index.html", art.Path)
}

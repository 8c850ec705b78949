package runlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_SequencesAndPersists(t *testing.T) {
	runDir := t.TempDir()
	l, err := Open(runDir, nil)
	require.NoError(t, err)

	first, err := l.Append(TypeRunStart, "", 0, map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	second, err := l.Append(TypeOperation, "set_mode", 1, map[string]string{"mode": "ladder"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)

	entries, err := ReadAll(runDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TypeRunStart, entries[0].Type)
	assert.Equal(t, "set_mode", entries[1].Op)
	assert.Equal(t, 1, entries[1].Step)
}

func TestOpen_ContinuesSequenceAfterReopen(t *testing.T) {
	runDir := t.TempDir()
	l, err := Open(runDir, nil)
	require.NoError(t, err)
	_, err = l.Append(TypeRunStart, "", 0, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(runDir, nil)
	require.NoError(t, err)
	defer l2.Close()
	e, err := l2.Append(TypeOperation, "finalize_run", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Seq)
}

func TestAppend_RedactsSensitiveFields(t *testing.T) {
	runDir := t.TempDir()
	l, err := Open(runDir, nil)
	require.NoError(t, err)
	defer l.Close()

	e, err := l.Append(TypeOperation, "external_search", 1, map[string]any{
		"query":   "golang fsnotify",
		"api_key": "sk-super-secret",
		"nested":  map[string]any{"Token": "abc123", "safe": "keep"},
	})
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, "golang fsnotify", payload["query"])
	assert.Equal(t, "[REDACTED:15]", payload["api_key"])
	nested := payload["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED:6]", nested["Token"])
	assert.Equal(t, "keep", nested["safe"])
}

func TestReadAll_MissingFile(t *testing.T) {
	_, err := ReadAll(t.TempDir())
	assert.Error(t, err)
}

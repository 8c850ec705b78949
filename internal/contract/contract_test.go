package contract

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRunFile(t *testing.T, runDir, rel, content string) {
	t.Helper()
	abs := filepath.Join(runDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func writeSpec(t *testing.T, runDir, name string, sp map[string]any) {
	t.Helper()
	data, err := json.Marshal(sp)
	require.NoError(t, err)
	writeRunFile(t, runDir, testsDir+"/"+name, string(data))
}

func TestRun_SchemaTestPassesOnValidOpenAPI(t *testing.T) {
	runDir := t.TempDir()
	writeRunFile(t, runDir, "artifacts/contracts/openapi.yaml", `
openapi: 3.0.0
info:
  title: demo
paths:
  /health:
    get: {}
components: {}
`)
	writeSpec(t, runDir, "api_contract.json", map[string]any{
		"id":        "api_contract",
		"subject":   "api",
		"type":      "schema",
		"spec_path": "artifacts/contracts/openapi.yaml",
	})

	runner := NewLocalRunner(runDir, nil)
	results, err := runner.Run(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Equal(t, float64(1), results[0].Metrics["schema_valid"])
	require.Len(t, results[0].Evidence, 1)
	assert.NotEmpty(t, results[0].Evidence[0].Hash)

	// Result is persisted for later gate evaluations.
	_, err = os.Stat(filepath.Join(runDir, filepath.FromSlash(ResultsDir), "api_contract.json"))
	assert.NoError(t, err)
}

func TestRun_SchemaTestFailsWithoutPathsSection(t *testing.T) {
	runDir := t.TempDir()
	writeRunFile(t, runDir, "artifacts/contracts/openapi.yaml", "openapi: 3.0.0\n")
	writeSpec(t, runDir, "api_contract.json", map[string]any{
		"id":        "api_contract",
		"type":      "schema",
		"spec_path": "artifacts/contracts/openapi.yaml",
	})

	results, err := NewLocalRunner(runDir, nil).Run(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
}

func TestRun_UnitTestChecksFileAssertions(t *testing.T) {
	runDir := t.TempDir()
	writeRunFile(t, runDir, "artifacts/backend/app/main.py", "print('ok')\n")
	writeSpec(t, runDir, "be_scaffold.json", map[string]any{
		"id":   "be_scaffold",
		"type": "unit",
		"assertions": []map[string]string{
			{"kind": "file_exists", "path": "backend/app/main.py"},
			{"kind": "file_exists", "path": "backend/tests/test_app.py"},
		},
	})

	results, err := NewLocalRunner(runDir, nil).Run(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, float64(1), results[0].Metrics["assertions_ok"])
	assert.Equal(t, float64(2), results[0].Metrics["assertions_total"])

	writeRunFile(t, runDir, "artifacts/backend/tests/test_app.py", "def test_ok(): pass\n")
	results, err = NewLocalRunner(runDir, nil).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Len(t, results[0].Evidence, 2)
}

func TestRun_HTTPTestValidatesExamples(t *testing.T) {
	runDir := t.TempDir()
	writeSpec(t, runDir, "smoke.json", map[string]any{
		"id":       "smoke",
		"type":     "http",
		"examples": []any{map[string]any{"status": 200}, map[string]any{"body": "ok"}},
	})

	results, err := NewLocalRunner(runDir, nil).Run(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusPassed, results[0].Status)
	assert.Equal(t, float64(2), results[0].Metrics["examples_ok"])
}

func TestRun_FiltersByRequestedIDs(t *testing.T) {
	runDir := t.TempDir()
	writeSpec(t, runDir, "a.json", map[string]any{"id": "a", "type": "http"})
	writeSpec(t, runDir, "b.json", map[string]any{"id": "b", "type": "http"})

	results, err := NewLocalRunner(runDir, nil).Run(context.Background(), []string{"b"})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestLoadResults_Passed(t *testing.T) {
	runDir := t.TempDir()
	writeSpec(t, runDir, "smoke.json", map[string]any{
		"id": "smoke", "type": "http",
		"examples": []any{map[string]any{"status": 200}},
	})
	_, err := NewLocalRunner(runDir, nil).Run(context.Background(), nil)
	require.NoError(t, err)

	rs := LoadResults(runDir)

	ref, ok := rs.Passed("smoke")
	require.True(t, ok)
	assert.Equal(t, ResultsDir+"/smoke.json", ref.ID)
	assert.NotEmpty(t, ref.Hash)

	_, ok = rs.Passed("never_ran")
	assert.False(t, ok)
	assert.Equal(t, StatusPassed, rs.Statuses()["smoke"])
}

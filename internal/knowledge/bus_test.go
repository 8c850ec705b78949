package knowledge

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_EffectsBySeverity(t *testing.T) {
	b := NewBus(t.TempDir(), nil)

	_, eff, err := b.Publish(SourceRag, "prior art", "similar schema exists", SeverityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, EffectNone, eff.Type)

	_, eff, err = b.Publish(SourceExternal, "library deprecated", "upstream archived", SeverityNotable, nil)
	require.NoError(t, err)
	assert.Equal(t, EffectSuggestHuddle, eff.Type)

	sig, eff, err := b.Publish(SourceDropin, "requirements changed", "auth is now SSO", SeverityCritical, nil)
	require.NoError(t, err)
	assert.Equal(t, EffectReplan, eff.Type)
	assert.Equal(t, sig.ID, eff.SignalID)
}

func TestPublish_RequiresTopic(t *testing.T) {
	b := NewBus(t.TempDir(), nil)
	_, _, err := b.Publish(SourceRag, "  ", "content", SeverityInfo, nil)
	assert.Error(t, err)
}

func TestPublish_AppendsJournal(t *testing.T) {
	runDir := t.TempDir()
	b := NewBus(runDir, nil)

	_, _, err := b.Publish(SourceRag, "a", "1", SeverityInfo, nil)
	require.NoError(t, err)
	_, _, err = b.Publish(SourceRag, "b", "2", SeverityInfo, nil)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(runDir, filepath.FromSlash(signalsRel)))
	require.NoError(t, err)
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var sig Signal
		require.NoError(t, json.Unmarshal(sc.Bytes(), &sig))
		ids = append(ids, sig.ID)
	}
	assert.Equal(t, []string{"sig_000001", "sig_000002"}, ids)
}

func TestUnread_CursorSemantics(t *testing.T) {
	b := NewBus(t.TempDir(), nil)
	_, _, err := b.Publish(SourceRag, "a", "1", SeverityInfo, nil)
	require.NoError(t, err)

	require.Len(t, b.Unread(), 1)
	b.MarkRead()
	assert.Empty(t, b.Unread())

	_, _, err = b.Publish(SourceRag, "b", "2", SeverityInfo, nil)
	require.NoError(t, err)
	unread := b.Unread()
	require.Len(t, unread, 1)
	assert.Equal(t, "b", unread[0].Topic)
	assert.Len(t, b.All(), 2)
}

func TestWatcher_SweepPublishesDropins(t *testing.T) {
	runDir := t.TempDir()
	b := NewBus(runDir, nil)
	w, err := NewWatcher(runDir, b, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	dropin := filepath.Join(runDir, DropinDir)
	require.NoError(t, os.WriteFile(filepath.Join(dropin, "critical-scope.md"), []byte("auth is now SSO"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dropin, "info-fyi.md"), []byte("fyi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dropin, "note.md"), []byte("heads up"), 0o644))

	w.Sweep()

	sigs := b.All()
	require.Len(t, sigs, 3)
	bySeverity := map[Severity]int{}
	for _, s := range sigs {
		assert.Equal(t, SourceDropin, s.Source)
		bySeverity[s.Severity]++
	}
	assert.Equal(t, 1, bySeverity[SeverityCritical])
	assert.Equal(t, 1, bySeverity[SeverityInfo])
	assert.Equal(t, 1, bySeverity[SeverityNotable])
}

func TestWatcher_StructuredDropinFreezesEvidence(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "artifacts", "contracts"), 0o755))
	specPath := filepath.Join(runDir, "artifacts", "contracts", "openapi.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte("openapi: 3.0.0\n"), 0o644))

	b := NewBus(runDir, nil)
	w, err := NewWatcher(runDir, b, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	payload := `{
		"topic": "upstream api changed",
		"content": "pagination is cursor based now",
		"severity": "critical",
		"refs": [
			{"type": "artifact", "id": "artifacts/contracts/openapi.yaml"},
			{"type": "external", "url": "https://example.com/changelog", "title": "changelog"},
			{"type": "artifact"}
		]
	}`
	dropin := filepath.Join(runDir, DropinDir, "finding.json")
	require.NoError(t, os.WriteFile(dropin, []byte(payload), 0o644))

	w.Sweep()

	sigs := b.All()
	require.Len(t, sigs, 1)
	sig := sigs[0]
	assert.Equal(t, "upstream api changed", sig.Topic)
	assert.Equal(t, "pagination is cursor based now", sig.Content)
	assert.Equal(t, SeverityCritical, sig.Severity)

	// The id-less artifact ref is dropped; the cited one carries a frozen
	// content hash.
	require.Len(t, sig.Refs, 2)
	assert.Contains(t, sig.Refs[0].Hash, "sha256:")
	assert.Equal(t, "artifacts/contracts/openapi.yaml", sig.Refs[0].ID)
	assert.Equal(t, "https://example.com/changelog", sig.Refs[1].URL)
}

func TestWatcher_MalformedJSONDropinFallsBackToText(t *testing.T) {
	runDir := t.TempDir()
	b := NewBus(runDir, nil)
	w, err := NewWatcher(runDir, b, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	dropin := filepath.Join(runDir, DropinDir, "critical-broken.json")
	require.NoError(t, os.WriteFile(dropin, []byte("{not json"), 0o644))

	w.Sweep()

	sigs := b.All()
	require.Len(t, sigs, 1)
	assert.Equal(t, "critical-broken.json", sigs[0].Topic)
	assert.Equal(t, "{not json", sigs[0].Content)
	assert.Equal(t, SeverityCritical, sigs[0].Severity)
}

func TestEffectFor(t *testing.T) {
	assert.Equal(t, EffectNone, EffectFor(Signal{ID: "sig_000001", Severity: SeverityInfo}).Type)
	assert.Equal(t, EffectSuggestHuddle, EffectFor(Signal{ID: "sig_000002", Severity: SeverityNotable}).Type)
	eff := EffectFor(Signal{ID: "sig_000003", Topic: "t", Severity: SeverityCritical})
	assert.Equal(t, EffectReplan, eff.Type)
	assert.Equal(t, "sig_000003", eff.SignalID)
	assert.Equal(t, "t", eff.Details)
}

func TestLoadBus_ReplaysJournal(t *testing.T) {
	runDir := t.TempDir()
	b := NewBus(runDir, nil)
	_, _, err := b.Publish(SourceRag, "a", "", SeverityInfo, nil)
	require.NoError(t, err)
	_, _, err = b.Publish(SourceDropin, "b", "", SeverityCritical, nil)
	require.NoError(t, err)

	loaded, err := LoadBus(runDir, nil)
	require.NoError(t, err)

	require.Len(t, loaded.All(), 2)
	// Replayed signals count as read and the sequence continues.
	assert.Empty(t, loaded.Unread())
	sig, _, err := loaded.Publish(SourceExecutor, "c", "", SeverityInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, "sig_000003", sig.ID)
}

func TestLoadBus_MissingJournal(t *testing.T) {
	loaded, err := LoadBus(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, loaded.All())
}

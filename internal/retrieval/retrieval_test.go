package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loom/internal/evidence"
)

func seedIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Add(context.Background(), []Doc{
		{ID: "doc-auth", Content: "authentication uses signed session tokens with rotation"},
		{ID: "doc-api", Content: "the public api exposes rest endpoints described by openapi"},
		{ID: "doc-db", Content: "postgres holds relational state, migrations run at boot"},
	}))
	return idx
}

func TestMemoryIndex_QueryRanksByOverlap(t *testing.T) {
	idx := seedIndex(t)

	hits, err := idx.Query(context.Background(), "rest api openapi endpoints", 5)

	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "doc-api", hits[0].Doc.ID)
	assert.Greater(t, hits[0].Score, float32(0))
}

func TestMemoryIndex_QueryRespectsK(t *testing.T) {
	idx := seedIndex(t)
	hits, err := idx.Query(context.Background(), "the api state tokens", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMemoryIndex_EmptyQuery(t *testing.T) {
	idx := seedIndex(t)
	_, err := idx.Query(context.Background(), "   ", 3)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestMemoryIndex_AddReplacesByID(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []Doc{{ID: "d1", Content: "original topic alpha"}}))
	require.NoError(t, idx.Add(ctx, []Doc{{ID: "d1", Content: "replacement topic beta"}}))

	hits, err := idx.Query(ctx, "replacement beta", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = idx.Query(ctx, "alpha original", 5)
	require.NoError(t, err)
}

func TestHit_RefFreezesContentHash(t *testing.T) {
	hit := Hit{Doc: Doc{ID: "doc-auth", Content: "session tokens"}, Score: 0.8}

	ref := hit.Ref()

	assert.Equal(t, evidence.TypeRagDoc, ref.Type)
	assert.Equal(t, "doc-auth", ref.ID)
	assert.InDelta(t, 0.8, ref.Score, 1e-6)
	assert.Equal(t, evidence.HashString(evidence.SHA256Bytes([]byte("session tokens"))), ref.Hash)
}

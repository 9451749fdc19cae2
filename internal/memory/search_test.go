package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_ReturnsRankedHits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	scope := testScope(CategoryInsight)

	near, err := store.Create(ctx, scope, "index rebuilds are expensive", []float32{1, 0.1, 0, 0}, 1000)
	require.NoError(t, err)
	_, err = store.Create(ctx, scope, "unrelated note", []float32{0, 0, 1, 0}, 1000)
	require.NoError(t, err)

	embedder := &stubEmbedder{vecs: map[string][]float32{
		"how costly are index rebuilds": {1, 0, 0, 0},
	}}
	searcher := NewSearcher(store, embedder, time.Second)

	hits, err := searcher.Search(ctx, scope, "how costly are index rebuilds", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, near.ID, hits[0].Memory.ID)
}

func TestSearch_LimitApplies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	scope := testScope(CategoryInsight)

	for _, content := range []string{"one", "two", "three"} {
		_, err := store.Create(ctx, scope, content, []float32{1, 0, 0, 0}, 1000)
		require.NoError(t, err)
	}

	searcher := NewSearcher(store, &stubEmbedder{}, time.Second)
	hits, err := searcher.Search(ctx, scope, "anything", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSearch_DegradesToEmptyOnEmbedFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	scope := testScope(CategoryInsight)

	_, err := store.Create(ctx, scope, "existing memory", []float32{1, 0, 0, 0}, 1000)
	require.NoError(t, err)

	searcher := NewSearcher(store, &stubEmbedder{err: errors.New("provider down")}, time.Second)
	hits, err := searcher.Search(ctx, scope, "anything", 10)
	require.NoError(t, err, "embedding failure must degrade, not error")
	assert.Empty(t, hits)
}

func TestSearch_EmptyScope(t *testing.T) {
	store := setupTestStore(t)
	searcher := NewSearcher(store, &stubEmbedder{}, time.Second)

	hits, err := searcher.Search(context.Background(), testScope(CategoryPlan), "anything", 10)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

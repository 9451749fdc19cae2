package memory

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "same text")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b, "equal text must map to equal vectors")

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestMockEmbedder_Normalized(t *testing.T) {
	e := NewMockEmbedder(64)
	vec, err := e.Embed(context.Background(), "some content")
	require.NoError(t, err)
	require.Len(t, vec, 64)

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestMockEmbedder_Dimensions(t *testing.T) {
	assert.Equal(t, 128, NewMockEmbedder(128).Dimensions())
	// non-positive falls back to the default
	assert.Equal(t, 256, NewMockEmbedder(0).Dimensions())
}

func TestMockEmbedder_CancelledContext(t *testing.T) {
	e := NewMockEmbedder(64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Embed(ctx, "text")
	assert.Error(t, err)
}

func TestCachedEmbedder_HitsSkipInner(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "repeat me")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	// ristretto admits asynchronously; drain the buffers before rereading
	cached.cache.Wait()

	second, err := cached.Embed(ctx, "repeat me")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls, "second call must be served from cache")
}

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{1, 0, 0, 0}, nil
}

func (c *countingEmbedder) Dimensions() int { return 4 }

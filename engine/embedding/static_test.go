package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestStaticService_Deterministic(t *testing.T) {
	svc := NewStaticService(256)
	ctx := context.Background()

	first, err := svc.Embed(ctx, "python decorators wrap functions")
	require.NoError(t, err)
	second, err := svc.Embed(ctx, "python decorators wrap functions")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 256)
}

func TestStaticService_SimilarTextsAreCloser(t *testing.T) {
	svc := NewStaticService(256)
	ctx := context.Background()

	a, err := svc.Embed(ctx, "python decorators wrap functions")
	require.NoError(t, err)
	b, err := svc.Embed(ctx, "decorators in python wrap a function")
	require.NoError(t, err)
	c, err := svc.Embed(ctx, "sourdough bread needs a long fermentation")
	require.NoError(t, err)

	assert.Greater(t, cosine(a, b), cosine(a, c))
}

func TestStaticService_Normalized(t *testing.T) {
	svc := NewStaticService(128)

	vec, err := svc.Embed(context.Background(), "normalization check")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestStaticService_EmptyText(t *testing.T) {
	svc := NewStaticService(64)

	vec, err := svc.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, vec, 64)
}

func TestStaticService_EmbedBatch(t *testing.T) {
	svc := NewStaticService(64)

	vectors, err := svc.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.NotEqual(t, vectors[0], vectors[1])
}

func TestEmbedMean(t *testing.T) {
	svc := NewStaticService(64)
	ctx := context.Background()

	_, err := EmbedMean(ctx, svc, nil)
	require.Error(t, err)

	single, err := EmbedMean(ctx, svc, []string{"only one"})
	require.NoError(t, err)
	direct, err := svc.Embed(ctx, "only one")
	require.NoError(t, err)
	assert.Equal(t, direct, single)

	mean, err := EmbedMean(ctx, svc, []string{"python decorators", "decorator syntax"})
	require.NoError(t, err)
	require.Len(t, mean, 64)

	// Mean vector is normalized and sits between its components.
	var sum float64
	for _, v := range mean {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	a, err := svc.Embed(ctx, "python decorators")
	require.NoError(t, err)
	b, err := svc.Embed(ctx, "sourdough starter")
	require.NoError(t, err)
	assert.Greater(t, cosine(mean, a), cosine(mean, b))
}

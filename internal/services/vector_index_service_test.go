package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarityFromCosineDistance(t *testing.T) {
	tests := []struct {
		distance float64
		expected float64
	}{
		{0, 1},
		{0.5, 0.75},
		{1, 0.5},
		{1.5, 0.25},
		{2, 0},
		// out-of-range inputs never produce negative or >1 similarity
		{2.4, 0},
		{-0.2, 1},
	}
	for _, tt := range tests {
		got := SimilarityFromCosineDistance(tt.distance)
		assert.InDelta(t, tt.expected, got, 1e-9, "distance %.2f", tt.distance)
	}
}

func TestNormalizeSimilarityConventions(t *testing.T) {
	// chromem-go reports raw cosine similarity
	assert.InDelta(t, 1.0, NormalizeSimilarity(1, CosineSimilarityRaw), 1e-9)
	assert.InDelta(t, 0.5, NormalizeSimilarity(0, CosineSimilarityRaw), 1e-9)
	assert.InDelta(t, 0.0, NormalizeSimilarity(-1, CosineSimilarityRaw), 1e-9)

	// Distance above 1 must stay positive
	assert.InDelta(t, 0.4, NormalizeSimilarity(1.2, CosineDistance), 1e-9)
	assert.Greater(t, NormalizeSimilarity(1.9, CosineDistance), 0.0)
}

func TestChromemIndexPerUserSearch(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	embedder := NewHashEmbedder(128)

	add := func(userID, id, text, category string) {
		vec, err := embedder.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, index.Upsert(ctx, userID, id, vec, map[string]string{vectorMetaCategory: category}))
	}
	add("alice", "a1", "The user likes Python programming", "hobby")
	add("alice", "a2", "The user lives in Berlin", "personal")
	add("bob", "b1", "The user likes Python programming", "hobby")

	query, err := embedder.Embed(ctx, "python programming")
	require.NoError(t, err)

	matches, err := index.Search(ctx, "alice", query, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2, "topK larger than the collection is capped")
	assert.Equal(t, "a1", matches[0].ID)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, 0.0)
		assert.LessOrEqual(t, m.Similarity, 1.0)
		assert.NotEqual(t, "b1", m.ID, "users never see each other's vectors")
	}

	filtered, err := index.Search(ctx, "alice", query, 10, map[string]string{vectorMetaCategory: "personal"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a2", filtered[0].ID)

	require.NoError(t, index.Delete(ctx, "alice", "a1"))
	assert.Equal(t, 1, index.Count("alice"))

	require.NoError(t, index.DeleteUser(ctx, "alice"))
	assert.Equal(t, 0, index.Count("alice"))
	assert.Equal(t, 1, index.Count("bob"))
}

func TestChromemIndexEmptyCollection(t *testing.T) {
	index := newTestIndex(t)
	matches, err := index.Search(context.Background(), "nobody", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemIndexUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	index := newTestIndex(t)
	require.NoError(t, index.Upsert(ctx, "u", "m1", []float32{1, 0}, nil))
	require.NoError(t, index.Upsert(ctx, "u", "m1", []float32{0, 1}, nil))
	assert.Equal(t, 1, index.Count("u"))

	err := index.Upsert(ctx, "", "m1", []float32{1, 0}, nil)
	assert.Error(t, err)
}

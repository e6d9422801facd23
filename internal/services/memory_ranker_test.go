package services

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/models"
)

var rankNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func rankEntry(daysAgo int, accessCount int64, importance, valence float64) models.MemoryEntry {
	at := rankNow.AddDate(0, 0, -daysAgo)
	return models.MemoryEntry{
		ID:             primitive.NewObjectID(),
		UserID:         "u1",
		Content:        "The user likes Python.",
		CreatedAt:      at,
		LastAccessedAt: at,
		Status:         models.StatusActive,
		Importance: models.Importance{
			Score:            importance,
			AccessCount:      accessCount,
			EmotionalValence: valence,
		},
	}
}

func TestRecencyFactor(t *testing.T) {
	tests := []struct {
		name     string
		daysAgo  float64
		expected float64
	}{
		{"now", 0, 1},
		{"one week", 7, math.Exp(-0.35)},
		{"half-life", 14, math.Exp(-0.7)},
		{"ninety days", 90, math.Exp(-4.5)},
		{"future counts as now", -3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := rankNow.Add(-time.Duration(tt.daysAgo * 24 * float64(time.Hour)))
			assert.InDelta(t, tt.expected, RecencyFactor(ref, rankNow), 1e-9)
		})
	}
}

func TestFrequencyFactor(t *testing.T) {
	tests := []struct {
		count    int64
		expected float64
	}{
		{0, 0},
		{9, 0.5},
		{99, 1},
		{10000, 1},
		{-5, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.expected, FrequencyFactor(tt.count), 1e-9, "count %d", tt.count)
	}
}

func TestScoreFactorsClamped(t *testing.T) {
	all := RankFactors{Recency: 1, Frequency: 1, Semantic: 1, Importance: 1, Valence: 1, Intent: true}
	assert.Equal(t, 1.0, ScoreFactors(all, DefaultRankWeights))

	none := RankFactors{}
	assert.Equal(t, 0.0, ScoreFactors(none, DefaultRankWeights))

	weird := RankWeights{Recency: -3}
	assert.Equal(t, 0.0, ScoreFactors(RankFactors{Recency: 1}, weird))
}

func TestRankSemanticMonotonic(t *testing.T) {
	base := rankEntry(3, 2, 0.5, 0.2)
	low, high := base, base
	low.ID, high.ID = primitive.NewObjectID(), primitive.NewObjectID()

	ranked := Rank([]Candidate{
		{Entry: low, Similarity: 0.40, HasSimilarity: true},
		{Entry: high, Similarity: 0.41, HasSimilarity: true},
	}, RankQuery{Now: rankNow})

	require.Len(t, ranked, 2)
	assert.Equal(t, high.ID, ranked[0].Entry.ID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
	assert.InDelta(t, 0.30*0.01, ranked[0].Score-ranked[1].Score, 1e-9)
}

func TestRankSemanticMonotonicAboveClamp(t *testing.T) {
	low := rankEntry(0, 99, 1, 1)
	low.Namespace.Topic = "calculus"
	high := rankEntry(0, 99, 1, 1)
	high.Namespace.Topic = "calculus"
	// The weaker match was touched later, so recency alone would pick it
	low.LastAccessedAt = rankNow.Add(time.Second)

	for _, order := range [][]Candidate{
		{{Entry: low, Similarity: 0.9, HasSimilarity: true}, {Entry: high, Similarity: 1.0, HasSimilarity: true}},
		{{Entry: high, Similarity: 1.0, HasSimilarity: true}, {Entry: low, Similarity: 0.9, HasSimilarity: true}},
	} {
		ranked := Rank(order, RankQuery{Now: rankNow, Intent: "calculus"})
		require.Len(t, ranked, 2)
		assert.Equal(t, 1.0, ranked[0].Score)
		assert.Equal(t, 1.0, ranked[1].Score)
		assert.Equal(t, high.ID, ranked[0].Entry.ID)
		assert.Greater(t, ranked[0].RawScore, ranked[1].RawScore)
	}
}

func TestRankScoresStayInRange(t *testing.T) {
	candidates := []Candidate{
		{Entry: rankEntry(0, 1000, 1.5, -4), Similarity: 3, HasSimilarity: true},
		{Entry: rankEntry(400, 0, -1, 0), Similarity: -2, HasSimilarity: true},
	}
	for _, r := range Rank(candidates, RankQuery{Now: rankNow, Intent: "python"}) {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestRankTieBreaksOnRecentAccess(t *testing.T) {
	older := rankEntry(10, 0, 0.5, 0)
	newer := rankEntry(10, 0, 0.5, 0)
	newer.LastAccessedAt = older.LastAccessedAt.Add(time.Second)

	// Importance only, so the one-second gap cannot move the score
	importanceOnly := RankWeights{Importance: 1}
	ranked := RankWith([]Candidate{
		{Entry: older, HasSimilarity: true},
		{Entry: newer, HasSimilarity: true},
	}, RankQuery{Now: rankNow}, importanceOnly)

	require.Len(t, ranked, 2)
	assert.Equal(t, ranked[0].Score, ranked[1].Score)
	assert.Equal(t, newer.ID, ranked[0].Entry.ID)
}

func TestRankIntentBonus(t *testing.T) {
	match := rankEntry(5, 1, 0.4, 0)
	match.Namespace = models.Namespace{Category: models.CategoryEducation, Topic: "calculus"}
	other := rankEntry(5, 1, 0.4, 0)
	other.Namespace = models.Namespace{Category: models.CategoryEducation, Topic: "history"}
	sub := rankEntry(5, 1, 0.4, 0)
	sub.Namespace = models.Namespace{Category: models.CategoryWork, Subcategory: "Calculus"}

	ranked := Rank([]Candidate{
		{Entry: other, HasSimilarity: true},
		{Entry: match, HasSimilarity: true},
		{Entry: sub, HasSimilarity: true},
	}, RankQuery{Now: rankNow, Intent: "calculus"})

	byID := map[primitive.ObjectID]RankedMemory{}
	for _, r := range ranked {
		byID[r.Entry.ID] = r
	}
	assert.True(t, byID[match.ID].Factors.Intent)
	assert.True(t, byID[sub.ID].Factors.Intent, "subcategory counts when there is no topic")
	assert.False(t, byID[other.ID].Factors.Intent)
	assert.InDelta(t, intentBonus, byID[match.ID].Score-byID[other.ID].Score, 1e-9)
}

func TestRankEmbeddingFallback(t *testing.T) {
	entry := rankEntry(1, 0, 0.5, 0)
	ranked := Rank([]Candidate{
		{Entry: entry, Embedding: []float32{1, 0}},
	}, RankQuery{Now: rankNow, Embedding: []float32{1, 0}})
	require.Len(t, ranked, 1)
	assert.InDelta(t, 1.0, ranked[0].Factors.Semantic, 1e-6)

	noQuery := Rank([]Candidate{{Entry: entry, Embedding: []float32{1, 0}}}, RankQuery{Now: rankNow})
	assert.Equal(t, 0.0, noQuery[0].Factors.Semantic)
}

func TestRankDoesNotMutateInput(t *testing.T) {
	entry := rankEntry(2, 3, 0.5, 0.1)
	candidates := []Candidate{{Entry: entry, Similarity: 0.7, HasSimilarity: true}}
	_ = Rank(candidates, RankQuery{Now: rankNow})
	assert.Equal(t, entry, candidates[0].Entry)
}

package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/models"
)

var decayNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time {
	return decayNow.AddDate(0, 0, -n)
}

func decayEntry(userID string, createdDaysAgo, accessedDaysAgo int, score float64) models.MemoryEntry {
	return models.MemoryEntry{
		ID:             primitive.NewObjectID(),
		UserID:         userID,
		Content:        "The user likes chess.",
		Kind:           models.KindPreference,
		CreatedAt:      daysAgo(createdDaysAgo),
		UpdatedAt:      daysAgo(accessedDaysAgo),
		LastAccessedAt: daysAgo(accessedDaysAgo),
		Status:         models.StatusActive,
		VectorSynced:   true,
		Version:        1,
		Importance: models.Importance{
			Score:     score,
			BaseScore: score,
			DecayRate: 0.05,
		},
	}
}

func newTestDecayService(store MemoryStore, index VectorIndex) (*MemoryDecayService, *memAudit) {
	audit := &memAudit{}
	config := DefaultDecayConfig()
	config.Retry = fastRetry()
	s := NewMemoryDecayService(store, audit, index, nil, config)
	s.now = func() time.Time { return decayNow }
	return s, audit
}

func TestShouldForgetScenarios(t *testing.T) {
	cfg := DefaultDecayConfig()

	fresh := decayEntry("u", 0, 0, 0.9)
	score, _ := DecayedScore(&fresh, decayNow, cfg)
	assert.False(t, ShouldForget(&fresh, score, decayNow, cfg), "new and important")

	stale := decayEntry("u", 120, 100, 0.1)
	score, _ = DecayedScore(&stale, decayNow, cfg)
	assert.True(t, ShouldForget(&stale, score, decayNow, cfg), "old, unimportant and idle")
}

func TestShouldForgetConditions(t *testing.T) {
	cfg := DefaultDecayConfig()
	expired := decayEntry("u", 5, 1, 0.9)
	expiry := daysAgo(1)
	expired.ExpiresAt = &expiry

	tests := []struct {
		name       string
		entry      models.MemoryEntry
		importance float64
		expected   bool
	}{
		{"old but important", decayEntry("u", 100, 10, 0.8), 0.8, false},
		{"old and unimportant", decayEntry("u", 100, 10, 0.1), 0.1, true},
		{"young and unimportant", decayEntry("u", 30, 10, 0.1), 0.1, false},
		{"idle over sixty days", decayEntry("u", 70, 61, 0.9), 0.9, true},
		{"idle under sixty days", decayEntry("u", 70, 59, 0.9), 0.9, false},
		{"expired", expired, 0.9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldForget(&tt.entry, tt.importance, decayNow, cfg))
		})
	}
}

func TestShouldForgetNeverForPinned(t *testing.T) {
	cfg := DefaultDecayConfig()
	pinned := decayEntry("u", 400, 300, 0.01)
	pinned.Importance.UserMarked = true
	expiry := daysAgo(100)
	pinned.ExpiresAt = &expiry

	assert.False(t, ShouldForget(&pinned, 0, decayNow, cfg))
}

func TestDecayedScoreBounds(t *testing.T) {
	cfg := DefaultDecayConfig()
	for _, score := range []float64{0, 0.3, 1, 1.7} {
		for _, age := range []int{0, 10, 100, 1000} {
			e := decayEntry("u", age, age, score)
			e.Importance.AccessCount = 500
			got, recency := DecayedScore(&e, decayNow, cfg)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
			assert.InDelta(t, math.Exp(-0.05*float64(age)), recency, 1e-9)
		}
	}
}

func TestDecayedScoreUsesEntryRate(t *testing.T) {
	cfg := DefaultDecayConfig()
	slow := decayEntry("u", 20, 20, 0.5)
	fast := slow
	fast.Importance.DecayRate = 0.1

	slowScore, _ := DecayedScore(&slow, decayNow, cfg)
	fastScore, _ := DecayedScore(&fast, decayNow, cfg)
	assert.Greater(t, slowScore, fastScore)
}

func TestDecayUserConverges(t *testing.T) {
	store := newMemStore()
	e := store.put(decayEntry("u1", 30, 10, 0.6))
	s, _ := newTestDecayService(store, nil)

	first, err := s.DecayUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.UpdatedCount)
	afterFirst, _ := store.get(e.ID)

	second, err := s.DecayUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, second.UpdatedCount, "same instant, nothing left to change")
	afterSecond, _ := store.get(e.ID)

	assert.Equal(t, afterFirst.Importance.Score, afterSecond.Importance.Score)
	assert.Equal(t, 0.6, afterSecond.Importance.BaseScore, "base score is never decayed")
}

func TestDecayUserArchivesAndSkipsPinned(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	index := newTestIndex(t)

	stale := store.put(decayEntry("u1", 120, 100, 0.1))
	pinned := decayEntry("u1", 120, 100, 0.1)
	pinned.Importance.UserMarked = true
	pinned = store.put(pinned)
	fresh := store.put(decayEntry("u1", 0, 0, 0.9))

	require.NoError(t, index.Upsert(ctx, "u1", stale.Semantic.VectorID, []float32{1, 0}, nil))
	require.NoError(t, index.Upsert(ctx, "u1", fresh.Semantic.VectorID, []float32{0, 1}, nil))

	s, audit := newTestDecayService(store, index)
	result, err := s.DecayUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.EvaluatedCount, "pinned entries are not evaluated")
	assert.Equal(t, 1, result.ForgottenCount)

	got, _ := store.get(stale.ID)
	assert.Equal(t, models.StatusArchived, got.Status, "archived, not deleted")
	assert.True(t, got.VectorSynced, "vector removed and flag restored")

	got, _ = store.get(pinned.ID)
	assert.Equal(t, models.StatusActive, got.Status)

	got, _ = store.get(fresh.ID)
	assert.Equal(t, models.StatusActive, got.Status)

	assert.Equal(t, 1, index.Count("u1"))
	assert.Contains(t, audit.actions(), models.AuditArchive)
}

func TestDecayUserSkipsEntryTouchedDuringPass(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	idle := store.put(decayEntry("u1", 100, 70, 0.9))
	store.beforeDecayWrite = func(ctx context.Context) {
		_, err := store.TouchAccess(ctx, "u1", []primitive.ObjectID{idle.ID}, decayNow)
		require.NoError(t, err)
	}

	s, audit := newTestDecayService(store, nil)
	result, err := s.DecayUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, result.ForgottenCount)
	assert.Equal(t, 1, result.SkippedCount)

	got, _ := store.get(idle.ID)
	assert.Equal(t, models.StatusActive, got.Status, "the fresh access wins")
	assert.Equal(t, int64(1), got.Importance.AccessCount)
	assert.Equal(t, decayNow, got.LastAccessedAt)
	assert.NotContains(t, audit.actions(), models.AuditArchive)

	// The next pass sees the access and keeps the entry
	store.beforeDecayWrite = nil
	again, err := s.DecayUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, again.ForgottenCount)
	got, _ = store.get(idle.ID)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestDecayUserVectorFailureLeftForReconcile(t *testing.T) {
	store := newMemStore()
	stale := store.put(decayEntry("u1", 120, 100, 0.1))
	index := &flakyIndex{VectorIndex: newTestIndex(t), failDelete: true}

	s, _ := newTestDecayService(store, index)
	result, err := s.DecayUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ForgottenCount)

	got, _ := store.get(stale.ID)
	assert.Equal(t, models.StatusArchived, got.Status)
	assert.False(t, got.VectorSynced)
}

func TestDecayUserStoreFailure(t *testing.T) {
	store := newMemStore()
	store.put(decayEntry("u1", 120, 100, 0.1))
	store.failAll = assert.AnError

	s, _ := newTestDecayService(store, nil)
	_, err := s.DecayUser(context.Background(), "u1")
	assert.Error(t, err)
}

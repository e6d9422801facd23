package services

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/crypto"
	"tutormemory/internal/database"
	"tutormemory/internal/models"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase", "The User Likes PYTHON", "the user likes python"},
		{"punctuation", "User's name: Sam!", "users name sam"},
		{"whitespace", "  prefers   dark\tmode\n", "prefers dark mode"},
		{"separators", "full-stack/back_end", "full stack back end"},
		{"unicode letters", "Élève à Paris", "élève à paris"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeContent(tt.input))
		})
	}
}

func TestContentHash(t *testing.T) {
	a := contentHash("The user prefers dark mode.")
	assert.Len(t, a, 64)
	assert.Equal(t, a, contentHash("the user   PREFERS dark mode"), "hash ignores case, spacing and punctuation")
	assert.NotEqual(t, a, contentHash("The user prefers light mode."))
}

func TestJaccardSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, jaccardSimilarity("I like Python", "I really like Python"), 1e-9)
	assert.InDelta(t, 0.0, jaccardSimilarity("likes Python", "owns cat"), 1e-9)
	assert.InDelta(t, 0.6, jaccardSimilarity("likes python golang", "likes python rust golang cobol"), 1e-9)
	assert.InDelta(t, 1.0, jaccardSimilarity("the", "The"), 1e-9, "stopword-only strings compare by normalized text")
	assert.InDelta(t, 0.0, jaccardSimilarity("the", "a"), 1e-9)
}

func TestExtractKeywords(t *testing.T) {
	keywords := extractKeywords("I am learning calculus and linear algebra", 3)
	assert.Equal(t, []string{"calculus", "learning", "algebra"}, keywords)
	assert.Empty(t, extractKeywords("I am so", 5))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func sensitiveEntry() *models.MemoryEntry {
	return &models.MemoryEntry{
		ID:      primitive.NewObjectID(),
		UserID:  "u1",
		Content: "The user has asthma.",
		Kind:    models.KindFact,
		Privacy: models.Privacy{Level: models.PrivacySensitive, DataCategory: models.DataHealth, Consent: true},
		History: []models.HistoryRecord{{Content: "The user mentioned a cough."}},
	}
}

func TestSealAndOpen(t *testing.T) {
	enc, err := crypto.NewEncryptionService(testMasterKey)
	require.NoError(t, err)
	store := &MongoMemoryStore{encryptionService: enc}

	entry := sensitiveEntry()
	sealed, err := store.seal(entry)
	require.NoError(t, err)
	assert.True(t, sealed.Encrypted)
	assert.NotContains(t, sealed.Content, "asthma")
	assert.NotContains(t, sealed.History[0].Content, "cough")
	assert.Equal(t, "The user has asthma.", entry.Content, "seal leaves the caller's entry untouched")

	require.NoError(t, store.open(sealed))
	assert.False(t, sealed.Encrypted)
	assert.Equal(t, entry.Content, sealed.Content)
	assert.Equal(t, entry.History[0].Content, sealed.History[0].Content)
}

func TestSealSkipsPublicContent(t *testing.T) {
	enc, err := crypto.NewEncryptionService(testMasterKey)
	require.NoError(t, err)
	store := &MongoMemoryStore{encryptionService: enc}

	entry := sensitiveEntry()
	entry.Privacy.Level = models.PrivacyPrivate
	sealed, err := store.seal(entry)
	require.NoError(t, err)
	assert.Same(t, entry, sealed)

	plain := &MongoMemoryStore{}
	sealed, err = plain.seal(sensitiveEntry())
	require.NoError(t, err)
	assert.False(t, sealed.Encrypted, "no key configured")
}

func TestOpenWithoutKeyFails(t *testing.T) {
	enc, err := crypto.NewEncryptionService(testMasterKey)
	require.NoError(t, err)
	sealed, err := (&MongoMemoryStore{encryptionService: enc}).seal(sensitiveEntry())
	require.NoError(t, err)

	err = (&MongoMemoryStore{}).open(sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encryption key")
}

// setupMongoStore connects to MONGODB_TEST_URI and returns a store over a
// throwaway database
func setupMongoStore(t *testing.T) *MongoMemoryStore {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}

	dbName := "tutormemory_test_" + primitive.NewObjectID().Hex()
	base, _, _ := strings.Cut(uri, "?")
	mongoDB, err := database.NewMongoDB(context.Background(), strings.TrimSuffix(base, "/")+"/"+dbName, 5)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mongoDB.Initialize(ctx))
	t.Cleanup(func() {
		_ = mongoDB.Database().Drop(ctx)
		_ = mongoDB.Close(ctx)
	})

	enc, err := crypto.NewEncryptionService(testMasterKey)
	require.NoError(t, err)
	return NewMongoMemoryStore(mongoDB, enc)
}

func TestMongoMemoryStoreLifecycle(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	public := &models.MemoryEntry{
		UserID:     "u1",
		Content:    "The user likes Python.",
		Kind:       models.KindPreference,
		Namespace:  models.Namespace{Category: models.CategoryHobby},
		Status:     models.StatusActive,
		Importance: models.Importance{Score: 0.6, BaseScore: 0.6},
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	secret := sensitiveEntry()
	secret.ID = primitive.NilObjectID
	secret.Status = models.StatusActive
	secret.Importance = models.Importance{Score: 0.9, BaseScore: 0.9}
	secret.Namespace = models.Namespace{Category: models.CategoryHealth}
	secret.Version = 1

	require.NoError(t, store.Insert(ctx, public))
	require.NoError(t, store.Insert(ctx, secret))
	assert.NotEmpty(t, public.ContentHash)

	active, err := store.FindActive(ctx, "u1", MemoryFilter{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, secret.ID, active[0].ID, "ordered by importance")
	assert.Equal(t, "The user has asthma.", active[0].Content, "decrypted on read")

	hobby, err := store.FindActive(ctx, "u1", MemoryFilter{Namespace: &NamespaceFilter{Category: models.CategoryHobby}})
	require.NoError(t, err)
	require.Len(t, hobby, 1)
	assert.Equal(t, public.ID, hobby[0].ID)

	others, err := store.FindActive(ctx, "u2", MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, others, "entries are scoped to their owner")

	updated := *public
	updated.Content = "The user loves Python."
	updated.Version = 2
	require.NoError(t, store.Replace(ctx, &updated, 1))
	assert.ErrorIs(t, store.Replace(ctx, &updated, 1), ErrVersionConflict)

	versions, err := store.TouchAccess(ctx, "u1", []primitive.ObjectID{secret.ID}, now)
	require.NoError(t, err)
	assert.Equal(t, map[primitive.ObjectID]int64{secret.ID: 2}, versions)

	// The first update was computed before the access above
	applied, err := store.ApplyDecay(ctx, "u1", []DecayUpdate{
		{ID: secret.ID, Version: 1, Score: 0.1, BaseScore: 0.9, Archive: true},
		{ID: updated.ID, Version: 2, Score: 0.5, BaseScore: 0.6, RecencyFactor: 0.9},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, []primitive.ObjectID{updated.ID}, applied)

	reloaded, err := store.FindByIDs(ctx, "u1", []primitive.ObjectID{secret.ID, updated.ID})
	require.NoError(t, err)
	require.Len(t, reloaded, 2)
	for _, e := range reloaded {
		assert.Equal(t, models.StatusActive, e.Status)
		if e.ID == secret.ID {
			assert.Equal(t, int64(2), e.Version, "stale decay skipped")
			assert.Equal(t, int64(1), e.Importance.AccessCount)
			assert.Equal(t, 0.9, e.Importance.Score)
		} else {
			assert.Equal(t, int64(3), e.Version)
			assert.Equal(t, 0.5, e.Importance.Score)
		}
	}

	users, err := store.DistinctUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	assert.ErrorIs(t, store.Delete(ctx, "u2", public.ID), ErrMemoryNotFound)
	require.NoError(t, store.Delete(ctx, "u1", public.ID))

	deleted, err := store.DeleteAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetExpiryIsMonotonicFromCreation(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &MemoryEntry{CreatedAt: created}

	err := entry.SetExpiry(created.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrExpiryBeforeCreation)
	assert.Nil(t, entry.ExpiresAt)

	require.NoError(t, entry.SetExpiry(created.Add(24*time.Hour)))
	assert.False(t, entry.Expired(created.Add(time.Hour)))
	assert.True(t, entry.Expired(created.Add(25*time.Hour)))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-0.4))
	assert.Equal(t, 1.0, ClampScore(1.7))
	assert.Equal(t, 0.3, ClampScore(0.3))
	assert.Equal(t, 0.0, ClampScore(math.NaN()))
}

func TestAppendHistoryBumpsVersion(t *testing.T) {
	now := time.Now()
	entry := &MemoryEntry{Content: "Likes Python", Version: 1}

	entry.AppendHistory("merged", now)
	entry.AppendHistory("merged again", now)

	require.Len(t, entry.History, 2)
	assert.Equal(t, int64(3), entry.Version)
	assert.Equal(t, int64(1), entry.History[0].Version)
	assert.Equal(t, "Likes Python", entry.History[1].Content)
}

func TestReferenceTimeFallsBackToCreation(t *testing.T) {
	created := time.Now().Add(-48 * time.Hour)
	entry := &MemoryEntry{CreatedAt: created}
	assert.Equal(t, created, entry.ReferenceTime())

	accessed := time.Now()
	entry.LastAccessedAt = accessed
	assert.Equal(t, accessed, entry.ReferenceTime())
}

func TestProfileCompletenessAndSummary(t *testing.T) {
	p := NewUserProfile("u1")
	assert.True(t, p.IsEmpty())
	assert.Equal(t, "", p.Summary())
	assert.Equal(t, 0.0, p.ComputeCompleteness())

	p.Identity.Name = "Ada"
	p.Goals = AddUnique(p.Goals, "pass the calculus exam")
	p.Goals = AddUnique(p.Goals, "Pass the calculus exam")

	assert.Len(t, p.Goals, 1)
	assert.InDelta(t, 2.0/7.0, p.ComputeCompleteness(), 1e-9)
	assert.Equal(t, "The user's name is Ada. Goals: pass the calculus exam.", p.Summary())

	p.Clear(time.Now())
	assert.True(t, p.IsEmpty())
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, int64(1), p.Version)
}

func TestSessionFingerprintChangesOnAppend(t *testing.T) {
	now := time.Now()
	s := &SessionContext{UserID: "u1", ConversationID: "c1"}
	s.Append(Turn{ID: "1", Role: RoleUser, Content: "hi", Timestamp: now}, 2, now)
	first := s.Fingerprint
	s.Summary, s.SummaryOf = "greeting", s.Fingerprint
	assert.True(t, s.SummaryValid())

	s.Append(Turn{ID: "2", Role: RoleAssistant, Content: "hello", Timestamp: now}, 2, now)
	s.Append(Turn{ID: "3", Role: RoleUser, Content: "teach me", Timestamp: now}, 2, now)

	assert.NotEqual(t, first, s.Fingerprint)
	assert.False(t, s.SummaryValid())
	assert.Len(t, s.Turns, 2)
	assert.Equal(t, 3, s.TurnCount)
	assert.Equal(t, "2", s.Turns[0].ID)
}

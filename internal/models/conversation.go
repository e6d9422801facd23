package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is a single message in a conversation
type Turn struct {
	ID        string    `bson:"id" json:"id"`
	Role      string    `bson:"role" json:"role"` // "user" or "assistant"
	Content   string    `bson:"content" json:"content"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Conversation is the durable message log owned by the chat application.
// The memory engine only reads it.
type Conversation struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	ConversationID string             `bson:"conversationId" json:"conversation_id"`
	UserID         string             `bson:"userId" json:"user_id"`
	Type           string             `bson:"type,omitempty" json:"type,omitempty"` // drives the context budget profile
	Messages       []Turn             `bson:"messages" json:"messages"`
	MessageCount   int                `bson:"messageCount" json:"message_count"`
	LastMessageAt  time.Time          `bson:"lastMessageAt" json:"last_message_at"`
	EndedAt        *time.Time         `bson:"endedAt,omitempty" json:"ended_at,omitempty"`
	CreatedAt      time.Time          `bson:"createdAt" json:"created_at"`
}

// ConversationRef identifies a conversation waiting for consolidation
type ConversationRef struct {
	UserID         string    `bson:"userId" json:"user_id"`
	ConversationID string    `bson:"conversationId" json:"conversation_id"`
	LastMessageAt  time.Time `bson:"lastMessageAt" json:"last_message_at"`
}

// SessionContext is the ephemeral per-(user, conversation) state held in the cache
type SessionContext struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Turns          []Turn    `json:"turns"` // last N verbatim, oldest first
	TurnCount      int       `json:"turn_count"`
	Summary        string    `json:"summary,omitempty"`
	SummaryOf      string    `json:"summary_of,omitempty"` // fingerprint the summary was built from
	Fingerprint    string    `json:"fingerprint"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TurnsFingerprint identifies a turn sequence by its length and last turn
func TurnsFingerprint(total int, turns []Turn) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(total)))
	if n := len(turns); n > 0 {
		last := turns[n-1]
		h.Write([]byte(last.ID))
		h.Write([]byte(last.Role))
		h.Write([]byte(last.Content))
		h.Write([]byte(last.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Refresh recomputes the fingerprint after the turn list changed
func (s *SessionContext) Refresh(now time.Time) {
	s.Fingerprint = TurnsFingerprint(s.TurnCount, s.Turns)
	s.Version++
	s.UpdatedAt = now
}

// SummaryValid reports whether the rolling summary still matches the turns
func (s *SessionContext) SummaryValid() bool {
	return s.SummaryOf != "" && s.SummaryOf == s.Fingerprint
}

// Append adds a turn and keeps only the most recent limit turns
func (s *SessionContext) Append(turn Turn, limit int, now time.Time) {
	s.Turns = append(s.Turns, turn)
	if limit > 0 && len(s.Turns) > limit {
		s.Turns = append([]Turn(nil), s.Turns[len(s.Turns)-limit:]...)
	}
	s.TurnCount++
	s.Refresh(now)
}

package services

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/models"
)

var (
	ErrMemoryNotFound       = errors.New("memory not found")
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrVersionConflict means the entry changed since it was read
	ErrVersionConflict = errors.New("memory version conflict")
)

// NamespaceFilter narrows retrieval to part of the namespace tree. Empty fields match anything.
type NamespaceFilter struct {
	Category    models.MemoryCategory `json:"category,omitempty"`
	Subcategory string                `json:"subcategory,omitempty"`
	Topic       string                `json:"topic,omitempty"`
}

// IsZero reports whether the filter matches everything
func (f *NamespaceFilter) IsZero() bool {
	return f == nil || (f.Category == "" && f.Subcategory == "" && f.Topic == "")
}

// Matches reports whether a namespace passes the filter
func (f *NamespaceFilter) Matches(ns models.Namespace) bool {
	if f.IsZero() {
		return true
	}
	return (f.Category == "" || f.Category == ns.Category) &&
		(f.Subcategory == "" || f.Subcategory == ns.Subcategory) &&
		(f.Topic == "" || f.Topic == ns.Topic)
}

// vectorFilter maps the namespace filter onto vector metadata keys
func (f *NamespaceFilter) vectorFilter() map[string]string {
	if f.IsZero() {
		return nil
	}
	return map[string]string{
		vectorMetaCategory:    string(f.Category),
		vectorMetaSubcategory: f.Subcategory,
		vectorMetaTopic:       f.Topic,
	}
}

// MemoryFilter selects active entries
type MemoryFilter struct {
	Namespace *NamespaceFilter
	Kinds     []models.MemoryKind
	Limit     int // 0 means no limit
}

// DecayUpdate is the recomputed state of one entry. Version is the version
// the update was computed from; the write is skipped if the entry moved on.
type DecayUpdate struct {
	ID            primitive.ObjectID
	Version       int64
	Score         float64
	BaseScore     float64
	RecencyFactor float64
	Archive       bool
}

// MemoryStore is the durable source of truth for memory entries
type MemoryStore interface {
	Insert(ctx context.Context, entry *models.MemoryEntry) error
	// Replace writes entry if the stored version still equals expectedVersion
	Replace(ctx context.Context, entry *models.MemoryEntry, expectedVersion int64) error
	Delete(ctx context.Context, userID string, id primitive.ObjectID) error

	// FindActive returns active entries ordered by importance, then recency
	FindActive(ctx context.Context, userID string, filter MemoryFilter) ([]models.MemoryEntry, error)
	FindByIDs(ctx context.Context, userID string, ids []primitive.ObjectID) ([]models.MemoryEntry, error)
	FindAll(ctx context.Context, userID string) ([]models.MemoryEntry, error)
	// FindUnsynced returns entries whose vector state lags, untouched since before olderThan
	FindUnsynced(ctx context.Context, olderThan time.Time, limit int) ([]models.MemoryEntry, error)

	SetVectorSynced(ctx context.Context, userID string, id primitive.ObjectID, synced bool) error
	// TouchAccess bumps access counters and versions, returning the new
	// version of every entry it touched
	TouchAccess(ctx context.Context, userID string, ids []primitive.ObjectID, at time.Time) (map[primitive.ObjectID]int64, error)
	// ApplyDecay returns the ids whose update was written. Updates computed
	// from a stale version are skipped.
	ApplyDecay(ctx context.Context, userID string, updates []DecayUpdate, at time.Time) ([]primitive.ObjectID, error)

	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	DistinctUserIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// AuditLog is the append-only mutation log
type AuditLog interface {
	Append(ctx context.Context, records ...models.AuditRecord) error
}

// ProfileStore persists one UserProfile per user
type ProfileStore interface {
	// Get returns an empty profile when none exists yet
	Get(ctx context.Context, userID string) (*models.UserProfile, error)
	Save(ctx context.Context, profile *models.UserProfile) error
	// Clear wipes learned attributes but keeps the record
	Clear(ctx context.Context, userID string) error
}

// ConversationSource reads the chat application's message log
type ConversationSource interface {
	GetConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error)
	// RecentTurns returns the conversation with only its last limit messages loaded
	RecentTurns(ctx context.Context, userID, conversationID string, limit int) (*models.Conversation, error)
	// ListPendingConsolidation returns conversations idle since before idleBefore
	// that have no completed run covering their last message
	ListPendingConsolidation(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationRef, error)
	RecordRun(ctx context.Context, run *models.ConsolidationRun) error
}

func newAudit(entry *models.MemoryEntry, action models.AuditAction, reason string, at time.Time) models.AuditRecord {
	return models.AuditRecord{
		UserID:   entry.UserID,
		MemoryID: entry.ID.Hex(),
		Action:   action,
		Version:  entry.Version,
		Reason:   reason,
		At:       at,
	}
}

package models

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryKind tags what sort of statement a memory entry holds
type MemoryKind string

const (
	KindFact         MemoryKind = "fact"
	KindPreference   MemoryKind = "preference"
	KindExperience   MemoryKind = "experience"
	KindSkill        MemoryKind = "skill"
	KindGoal         MemoryKind = "goal"
	KindRelationship MemoryKind = "relationship"
	KindEvent        MemoryKind = "event"
)

// Valid reports whether k is one of the known kinds
func (k MemoryKind) Valid() bool {
	switch k {
	case KindFact, KindPreference, KindExperience, KindSkill, KindGoal, KindRelationship, KindEvent:
		return true
	}
	return false
}

// MemoryCategory is the top level of the memory namespace
type MemoryCategory string

const (
	CategoryPersonal  MemoryCategory = "personal"
	CategoryWork      MemoryCategory = "work"
	CategoryEducation MemoryCategory = "education"
	CategoryHobby     MemoryCategory = "hobby"
	CategoryHealth    MemoryCategory = "health"
	CategoryGeneral   MemoryCategory = "general"
)

// Valid reports whether c is one of the closed set of categories
func (c MemoryCategory) Valid() bool {
	switch c {
	case CategoryPersonal, CategoryWork, CategoryEducation, CategoryHobby, CategoryHealth, CategoryGeneral:
		return true
	}
	return false
}

// ExtractionMethod records how an entry came to exist
type ExtractionMethod string

const (
	MethodAutomatic    ExtractionMethod = "automatic"
	MethodExplicit     ExtractionMethod = "explicit"
	MethodConsolidated ExtractionMethod = "consolidated"
	MethodInferred     ExtractionMethod = "inferred"
)

// MemoryStatus is the lifecycle state of an entry
type MemoryStatus string

const (
	StatusActive       MemoryStatus = "active"
	StatusArchived     MemoryStatus = "archived"
	StatusDeprecated   MemoryStatus = "deprecated"
	StatusContradicted MemoryStatus = "contradicted"
	StatusConsolidated MemoryStatus = "consolidated"
)

// PrivacyLevel controls who may see an entry
type PrivacyLevel string

const (
	PrivacyPublic       PrivacyLevel = "public"
	PrivacyPrivate      PrivacyLevel = "private"
	PrivacySensitive    PrivacyLevel = "sensitive"
	PrivacyConfidential PrivacyLevel = "confidential"
)

// DataCategory classifies regulated data
type DataCategory string

const (
	DataGeneral   DataCategory = "general"
	DataPersonal  DataCategory = "personal"
	DataHealth    DataCategory = "health"
	DataFinancial DataCategory = "financial"
	DataBiometric DataCategory = "biometric"
	DataSpecial   DataCategory = "special"
)

// Retention policy tags
const (
	RetentionStandard = "standard"
	RetentionEvent    = "event"
	RetentionLimited  = "limited"
)

// Namespace is the hierarchical category/subcategory/topic tag
type Namespace struct {
	Category    MemoryCategory `bson:"category" json:"category"`
	Subcategory string         `bson:"subcategory,omitempty" json:"subcategory,omitempty"`
	Topic       string         `bson:"topic,omitempty" json:"topic,omitempty"`
}

// Importance holds the stored score and the factors it was computed from.
// BaseScore is fixed at enrichment time; Score is recomputed from it by decay.
type Importance struct {
	Score              float64 `bson:"score" json:"score"`
	BaseScore          float64 `bson:"baseScore" json:"base_score"`
	UserMarked         bool    `bson:"userMarked" json:"user_marked"`
	AccessCount        int64   `bson:"accessCount" json:"access_count"`
	RecencyFactor      float64 `bson:"recencyFactor" json:"recency_factor"`
	EmotionalValence   float64 `bson:"emotionalValence" json:"emotional_valence"` // [-1, 1]
	ContradictionCount int     `bson:"contradictionCount" json:"contradiction_count"`
	DecayRate          float64 `bson:"decayRate" json:"decay_rate"`
}

// Provenance records where an entry came from
type Provenance struct {
	ConversationID string           `bson:"conversationId" json:"conversation_id"`
	Conversations  []string         `bson:"conversations,omitempty" json:"conversations,omitempty"` // every conversation that produced or confirmed this entry
	Method         ExtractionMethod `bson:"method" json:"method"`
	Confidence     float64          `bson:"confidence" json:"confidence"`
	Rule           string           `bson:"rule,omitempty" json:"rule,omitempty"`
}

// SemanticRef links an entry to the vector index and to related entries
type SemanticRef struct {
	VectorID   string   `bson:"vectorId,omitempty" json:"vector_id,omitempty"`
	Keywords   []string `bson:"keywords,omitempty" json:"keywords,omitempty"`
	RelatedIDs []string `bson:"relatedIds,omitempty" json:"related_ids,omitempty"`
}

// Privacy is the privacy classification of an entry
type Privacy struct {
	Level           PrivacyLevel `bson:"level" json:"level"`
	DataCategory    DataCategory `bson:"dataCategory" json:"data_category"`
	Consent         bool         `bson:"consent" json:"consent"`
	RetentionPolicy string       `bson:"retentionPolicy" json:"retention_policy"`
}

// HistoryRecord is one prior content/reason pair. History is append-only.
type HistoryRecord struct {
	Version int64     `bson:"version" json:"version"`
	Content string    `bson:"content" json:"content"`
	Reason  string    `bson:"reason" json:"reason"`
	At      time.Time `bson:"at" json:"at"`
}

// MemoryEntry is one durable fact, preference, experience or goal about a user
type MemoryEntry struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID string             `bson:"userId" json:"user_id"`

	// Content is ciphertext while Encrypted is set; the store decrypts on read
	Content     string     `bson:"content" json:"content"`
	Encrypted   bool       `bson:"encrypted,omitempty" json:"-"`
	ContentHash string     `bson:"contentHash" json:"content_hash"`
	Kind        MemoryKind `bson:"kind" json:"kind"`
	Slot        string     `bson:"slot,omitempty" json:"slot,omitempty"` // e.g. identity.name, single-valued facts
	Namespace   Namespace  `bson:"namespace" json:"namespace"`

	CreatedAt      time.Time  `bson:"createdAt" json:"created_at"`
	UpdatedAt      time.Time  `bson:"updatedAt" json:"updated_at"`
	LastAccessedAt time.Time  `bson:"lastAccessedAt" json:"last_accessed_at"`
	ExpiresAt      *time.Time `bson:"expiresAt,omitempty" json:"expires_at,omitempty"`

	Importance Importance   `bson:"importance" json:"importance"`
	Provenance Provenance   `bson:"provenance" json:"provenance"`
	Semantic   SemanticRef  `bson:"semantic" json:"semantic"`
	Status     MemoryStatus `bson:"status" json:"status"`
	Privacy    Privacy      `bson:"privacy" json:"privacy"`

	// VectorSynced is true once the vector index reflects Status:
	// present for active entries, absent for everything else.
	VectorSynced bool `bson:"vectorSynced" json:"vector_synced"`

	Version int64           `bson:"version" json:"version"`
	History []HistoryRecord `bson:"history,omitempty" json:"history,omitempty"`
}

// ErrExpiryBeforeCreation is returned when an expiry would precede creation
var ErrExpiryBeforeCreation = errors.New("expiry must not precede creation")

// IsActive reports whether the entry takes part in retrieval
func (m *MemoryEntry) IsActive() bool {
	return m.Status == StatusActive
}

// IsPinned reports whether the user explicitly marked the entry
func (m *MemoryEntry) IsPinned() bool {
	return m.Importance.UserMarked
}

// SetExpiry sets the expiry, refusing values before creation
func (m *MemoryEntry) SetExpiry(at time.Time) error {
	if at.Before(m.CreatedAt) {
		return ErrExpiryBeforeCreation
	}
	m.ExpiresAt = &at
	return nil
}

// Expired reports whether an explicit expiry has passed
func (m *MemoryEntry) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// ReferenceTime is the last access, falling back to creation
func (m *MemoryEntry) ReferenceTime() time.Time {
	if m.LastAccessedAt.IsZero() {
		return m.CreatedAt
	}
	return m.LastAccessedAt
}

// AppendHistory records the current content under the current version and bumps it
func (m *MemoryEntry) AppendHistory(reason string, at time.Time) {
	m.History = append(m.History, HistoryRecord{
		Version: m.Version,
		Content: m.Content,
		Reason:  reason,
		At:      at,
	})
	m.Version++
	m.UpdatedAt = at
}

// HasConversation reports whether the conversation already produced or confirmed this entry
func (m *MemoryEntry) HasConversation(conversationID string) bool {
	if m.Provenance.ConversationID == conversationID {
		return true
	}
	for _, id := range m.Provenance.Conversations {
		if id == conversationID {
			return true
		}
	}
	return false
}

// ClampScore bounds a score to [0, 1]
func ClampScore(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AuditAction names an entry mutation
type AuditAction string

const (
	AuditCreate     AuditAction = "create"
	AuditMerge      AuditAction = "merge"
	AuditContradict AuditAction = "contradict"
	AuditDeprecate  AuditAction = "deprecate"
	AuditDecay      AuditAction = "decay"
	AuditArchive    AuditAction = "archive"
	AuditRollback   AuditAction = "rollback"
	AuditErase      AuditAction = "erase"
	AuditAccess     AuditAction = "access"
)

// AuditRecord is an append-only log line for one mutation. It never holds content.
type AuditRecord struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID   string             `bson:"userId" json:"user_id"`
	MemoryID string             `bson:"memoryId,omitempty" json:"memory_id,omitempty"`
	Action   AuditAction        `bson:"action" json:"action"`
	Version  int64              `bson:"version" json:"version"`
	Reason   string             `bson:"reason,omitempty" json:"reason,omitempty"`
	At       time.Time          `bson:"at" json:"at"`
}

// ConsolidationRun tracks consolidation of one conversation
type ConsolidationRun struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID         string             `bson:"userId" json:"user_id"`
	ConversationID string             `bson:"conversationId" json:"conversation_id"`
	Status         string             `bson:"status" json:"status"` // pending, processing, completed, failed
	AttemptCount   int                `bson:"attemptCount" json:"attempt_count"`
	ErrorMessage   string             `bson:"errorMessage,omitempty" json:"error_message,omitempty"`
	LastMessageAt  time.Time          `bson:"lastMessageAt" json:"last_message_at"`
	Created        int                `bson:"created" json:"created"`
	Merged         int                `bson:"merged" json:"merged"`
	Conflicts      int                `bson:"conflicts" json:"conflicts"`
	ProcessedAt    *time.Time         `bson:"processedAt,omitempty" json:"processed_at,omitempty"`
}

// ConsolidationRun status constants
const (
	RunStatusPending    = "pending"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

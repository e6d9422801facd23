package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/health"
	"tutormemory/internal/models"
)

// DecayConfig holds the decay and forgetting thresholds
type DecayConfig struct {
	MaxAge           time.Duration // with MinImportance: old and unimportant entries are forgotten
	MinImportance    float64
	MaxIdle          time.Duration // not accessed for longer than this: forgotten
	BaseWeight       float64       // share of the base score kept regardless of recency
	RecencyWeight    float64
	FrequencyWeight  float64
	DefaultDecayRate float64 // per day, for entries without their own rate
	ChangeEpsilon    float64 // smaller score changes are not written
	WriteBatch       int
	Retry            RetryPolicy
}

// DefaultDecayConfig returns the default decay configuration
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		MaxAge:           90 * 24 * time.Hour,
		MinImportance:    0.2,
		MaxIdle:          60 * 24 * time.Hour,
		BaseWeight:       0.6,
		RecencyWeight:    0.4,
		FrequencyWeight:  0.1,
		DefaultDecayRate: recencyLambda,
		ChangeEpsilon:    1e-6,
		WriteBatch:       500,
		Retry:            DefaultRetryPolicy(),
	}
}

// DecayResult counts what one decay pass did for a user
type DecayResult struct {
	UserID         string `json:"user_id"`
	EvaluatedCount int    `json:"evaluated_count"`
	UpdatedCount   int    `json:"updated_count"`
	ForgottenCount int    `json:"forgotten_count"`
	// SkippedCount counts entries that changed between read and write; the
	// next pass sees their new state
	SkippedCount   int    `json:"skipped_count"`
}

// DecayedScore recomputes an entry's importance from its base score, so running
// it any number of times at the same instant gives the same value
func DecayedScore(entry *models.MemoryEntry, now time.Time, cfg DecayConfig) (score, recency float64) {
	rate := entry.Importance.DecayRate
	if rate <= 0 {
		rate = cfg.DefaultDecayRate
	}
	days := now.Sub(entry.ReferenceTime()).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency = math.Exp(-rate * days)

	base := entry.Importance.BaseScore
	if base <= 0 {
		base = entry.Importance.Score
	}
	score = base*(cfg.BaseWeight+cfg.RecencyWeight*recency) +
		cfg.FrequencyWeight*FrequencyFactor(entry.Importance.AccessCount)
	return models.ClampScore(score), recency
}

// ShouldForget reports whether decay retires the entry. Pinned entries never qualify.
// importance is the entry's score as recomputed for now.
func ShouldForget(entry *models.MemoryEntry, importance float64, now time.Time, cfg DecayConfig) bool {
	if entry.IsPinned() {
		return false
	}
	age := now.Sub(entry.CreatedAt)
	idle := now.Sub(entry.ReferenceTime())

	return (age > cfg.MaxAge && importance < cfg.MinImportance) ||
		idle > cfg.MaxIdle ||
		entry.Expired(now)
}

// MemoryDecayService recomputes importance and archives stale entries
type MemoryDecayService struct {
	store  MemoryStore
	audit  AuditLog
	index  VectorIndex
	health *health.Service
	config DecayConfig
	now    func() time.Time
}

// NewMemoryDecayService creates the decay service. healthService may be nil.
func NewMemoryDecayService(store MemoryStore, audit AuditLog, index VectorIndex, healthService *health.Service, config DecayConfig) *MemoryDecayService {
	return &MemoryDecayService{
		store:  store,
		audit:  audit,
		index:  index,
		health: healthService,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DecayUser runs one decay pass over a user's active entries.
// Archival is a soft delete; nothing is removed from the structured store.
func (s *MemoryDecayService) DecayUser(ctx context.Context, userID string) (*DecayResult, error) {
	result := &DecayResult{UserID: userID}

	entries, err := s.store.FindActive(ctx, userID, MemoryFilter{})
	if err != nil {
		return result, fmt.Errorf("failed to load memories: %w", err)
	}
	if len(entries) == 0 {
		return result, nil
	}

	now := s.now()
	var updates []DecayUpdate
	var audits []models.AuditRecord
	var forgotten []*models.MemoryEntry

	for i := range entries {
		entry := &entries[i]
		if entry.IsPinned() {
			continue
		}
		result.EvaluatedCount++

		score, recency := DecayedScore(entry, now, s.config)
		forget := ShouldForget(entry, score, now, s.config)

		if !forget &&
			math.Abs(score-entry.Importance.Score) <= s.config.ChangeEpsilon &&
			math.Abs(recency-entry.Importance.RecencyFactor) <= s.config.ChangeEpsilon {
			continue
		}

		base := entry.Importance.BaseScore
		if base <= 0 {
			base = entry.Importance.Score
		}
		updates = append(updates, DecayUpdate{
			ID:            entry.ID,
			Version:       entry.Version,
			Score:         score,
			BaseScore:     base,
			RecencyFactor: recency,
			Archive:       forget,
		})

		// The store bumps the version with the write
		record := newAudit(entry, models.AuditDecay, fmt.Sprintf("score %.4f -> %.4f", entry.Importance.Score, score), now)
		record.Version = entry.Version + 1
		if forget {
			record.Action = models.AuditArchive
			record.Reason = forgetReason(entry, score, now, s.config)
			forgotten = append(forgotten, entry)
		}
		audits = append(audits, record)
	}

	if len(updates) == 0 {
		log.Printf("📊 [MEMORY-DECAY] User %s: %d evaluated, nothing changed", userID, result.EvaluatedCount)
		return result, nil
	}

	batch := s.config.WriteBatch
	if batch <= 0 {
		batch = len(updates)
	}
	applied := make(map[primitive.ObjectID]bool, len(updates))
	for start := 0; start < len(updates); start += batch {
		end := min(start+batch, len(updates))
		chunk := updates[start:end]

		var ids []primitive.ObjectID
		err := retryErr(ctx, s.config.Retry, func() error {
			var err error
			ids, err = s.store.ApplyDecay(ctx, userID, chunk, now)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("failed to apply decay: %w", err)
		}
		for _, id := range ids {
			applied[id] = true
		}
	}

	// Only what was written gets audited and dropped from the index
	written := audits[:0]
	for _, record := range audits {
		id, _ := primitive.ObjectIDFromHex(record.MemoryID)
		if !applied[id] {
			result.SkippedCount++
			continue
		}
		if record.Action == models.AuditArchive {
			result.ForgottenCount++
		} else {
			result.UpdatedCount++
		}
		written = append(written, record)
	}
	audits = written
	forgotten = slices.DeleteFunc(forgotten, func(e *models.MemoryEntry) bool { return !applied[e.ID] })

	if s.audit != nil && len(audits) > 0 {
		if err := retryErr(ctx, s.config.Retry, func() error {
			return s.audit.Append(ctx, audits...)
		}); err != nil {
			log.Printf("⚠️ [MEMORY-DECAY] Audit append failed for user %s: %v", userID, err)
		}
	}

	s.dropVectors(ctx, userID, forgotten)

	GetMetrics().DecayedEntries.WithLabelValues("updated").Add(float64(result.UpdatedCount))
	GetMetrics().DecayedEntries.WithLabelValues("forgotten").Add(float64(result.ForgottenCount))

	log.Printf("📊 [MEMORY-DECAY] User %s: %d evaluated, %d recalculated, %d archived, %d skipped",
		userID, result.EvaluatedCount, result.UpdatedCount, result.ForgottenCount, result.SkippedCount)
	return result, nil
}

// dropVectors removes archived entries from the vector index. Failures leave
// vectorSynced unset for the reconcile job.
func (s *MemoryDecayService) dropVectors(ctx context.Context, userID string, forgotten []*models.MemoryEntry) {
	if len(forgotten) == 0 || s.index == nil {
		return
	}

	ids := make([]string, 0, len(forgotten))
	for _, e := range forgotten {
		ids = append(ids, e.Semantic.VectorID)
	}

	start := time.Now()
	err := s.index.Delete(ctx, userID, ids...)
	if s.health != nil {
		s.health.Observe(health.DepVectorIndex, time.Since(start), err)
	}
	if err != nil {
		log.Printf("⚠️ [MEMORY-DECAY] Vector delete for %d archived memories deferred to reconcile: %v", len(ids), err)
		return
	}

	for _, e := range forgotten {
		if err := s.store.SetVectorSynced(ctx, userID, e.ID, true); err != nil {
			log.Printf("⚠️ [MEMORY-DECAY] Failed to mark memory %s synced: %v", e.ID.Hex(), err)
		}
	}
}

func forgetReason(entry *models.MemoryEntry, score float64, now time.Time, cfg DecayConfig) string {
	switch {
	case entry.Expired(now):
		return "expired"
	case now.Sub(entry.ReferenceTime()) > cfg.MaxIdle:
		return "not accessed"
	default:
		return fmt.Sprintf("old with low importance %.4f", score)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/health"
	"tutormemory/internal/memerr"
	"tutormemory/internal/models"
	"tutormemory/internal/privacy"
)

// ConsolidationConfig holds the thresholds of the extraction pipeline
type ConsolidationConfig struct {
	DuplicateThreshold  float64 // at or above: merge into the existing entry
	ContradictThreshold float64 // same slot and below: the old entry is contradicted
	ConfidenceStep      float64 // added on each confirmation
	MaxConfidence       float64
	MaxContentLength    int
	Retry               RetryPolicy
}

// DefaultConsolidationConfig returns the standard thresholds
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		DuplicateThreshold:  0.9,
		ContradictThreshold: 0.5,
		ConfidenceStep:      0.05,
		MaxConfidence:       0.95,
		MaxContentLength:    500,
		Retry:               DefaultRetryPolicy(),
	}
}

// ConsolidationResult counts what one consolidation run did
type ConsolidationResult struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	CreatedCount   int    `json:"created_count"`
	MergedCount    int    `json:"merged_count"`
	UnchangedCount int    `json:"unchanged_count"`
	ConflictCount  int    `json:"conflict_count"`
	RejectedCount  int    `json:"rejected_count"`
	FailedCount    int    `json:"failed_count"`
	// UnretiredCount counts replaced entries still active after a failed
	// retirement. The run is recorded as failed so the next one retries.
	UnretiredCount int    `json:"unretired_count"`
	ProfileUpdated bool   `json:"profile_updated"`
}

type candidateOutcome int

const (
	outcomeCreated candidateOutcome = iota
	outcomeMerged
	outcomeUnchanged
	outcomeConflict
	outcomeSuperseded
)

// MemoryConsolidationService turns conversation turns into durable memory entries
type MemoryConsolidationService struct {
	store         MemoryStore
	audit         AuditLog
	profiles      ProfileStore
	conversations ConversationSource
	index         VectorIndex
	embedder      Embedder
	rules         *RuleRegistry
	health        *health.Service
	config        ConsolidationConfig
	now           func() time.Time
}

// NewMemoryConsolidationService wires the pipeline. healthService may be nil.
func NewMemoryConsolidationService(
	store MemoryStore,
	audit AuditLog,
	profiles ProfileStore,
	conversations ConversationSource,
	index VectorIndex,
	embedder Embedder,
	rules *RuleRegistry,
	healthService *health.Service,
	config ConsolidationConfig,
) *MemoryConsolidationService {
	return &MemoryConsolidationService{
		store:         store,
		audit:         audit,
		profiles:      profiles,
		conversations: conversations,
		index:         index,
		embedder:      embedder,
		rules:         rules,
		health:        healthService,
		config:        config,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Consolidate extracts, deduplicates, enriches and stores memories from one
// conversation, then folds them into the profile. Running it again on the same
// conversation changes nothing. Per-candidate failures are counted, not returned.
func (s *MemoryConsolidationService) Consolidate(ctx context.Context, userID, conversationID string) (*ConsolidationResult, error) {
	result := &ConsolidationResult{UserID: userID, ConversationID: conversationID}

	conv, err := s.conversations.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return result, fmt.Errorf("failed to load conversation: %w", err)
	}

	err = s.consolidate(ctx, conv, result)
	s.recordRun(ctx, conv, result, err)
	if err != nil {
		return result, err
	}

	GetMetrics().ConsolidatedEntries.WithLabelValues("created").Add(float64(result.CreatedCount))
	GetMetrics().ConsolidatedEntries.WithLabelValues("merged").Add(float64(result.MergedCount))
	GetMetrics().ConsolidatedEntries.WithLabelValues("conflict").Add(float64(result.ConflictCount))
	GetMetrics().ConsolidatedEntries.WithLabelValues("rejected").Add(float64(result.RejectedCount))
	GetMetrics().ConsolidatedEntries.WithLabelValues("failed").Add(float64(result.FailedCount))

	log.Printf("✅ [MEMORY-CONSOLIDATION] Conversation %s: %d created, %d merged, %d unchanged, %d conflicts, %d rejected, %d failed",
		conversationID, result.CreatedCount, result.MergedCount, result.UnchangedCount,
		result.ConflictCount, result.RejectedCount, result.FailedCount)
	return result, nil
}

func (s *MemoryConsolidationService) consolidate(ctx context.Context, conv *models.Conversation, result *ConsolidationResult) error {
	candidates := s.rules.Extract(conv.Messages)
	if len(candidates) == 0 {
		return nil
	}

	existing, err := s.store.FindActive(ctx, conv.UserID, MemoryFilter{})
	if err != nil {
		return fmt.Errorf("failed to load existing memories: %w", err)
	}

	var facts []ProfileFact
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := privacy.ValidateContent(cand.Content, s.config.MaxContentLength); err != nil {
			result.RejectedCount++
			log.Printf("⚠️ [MEMORY-CONSOLIDATION] Rejected candidate from rule %s: %v", cand.Rule, err)
			continue
		}

		entry, outcome, err := s.applyCandidate(ctx, conv, cand, &existing, result)
		if err != nil {
			result.FailedCount++
			log.Printf("⚠️ [MEMORY-CONSOLIDATION] Candidate from rule %s failed: %v", cand.Rule, err)
			continue
		}

		switch outcome {
		case outcomeCreated, outcomeSuperseded:
			result.CreatedCount++
		case outcomeConflict:
			result.CreatedCount++
			result.ConflictCount++
		case outcomeMerged:
			result.MergedCount++
		case outcomeUnchanged:
			result.UnchangedCount++
		}

		facts = append(facts, ProfileFact{
			MemoryID: entry.ID.Hex(),
			Kind:     cand.Kind,
			Category: cand.Namespace.Category,
			Slot:     cand.Slot,
			Value:    cand.Value,
		})
	}

	changed := result.CreatedCount+result.MergedCount > 0
	if err := s.updateProfile(ctx, conv.UserID, facts, len(existing), changed); err != nil {
		// Entries are durable already; the profile catches up on the next run
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Profile update failed for user %s: %v", conv.UserID, err)
	} else {
		result.ProfileUpdated = changed
	}
	return nil
}

// applyCandidate decides between merge, supersede, contradict and create
func (s *MemoryConsolidationService) applyCandidate(ctx context.Context, conv *models.Conversation, cand ExtractedCandidate, existing *[]models.MemoryEntry, result *ConsolidationResult) (*models.MemoryEntry, candidateOutcome, error) {
	hash := contentHash(cand.Content)

	bestIdx, bestSim := -1, 0.0
	for i := range *existing {
		e := &(*existing)[i]
		sim := jaccardSimilarity(e.Content, cand.Content)
		if e.ContentHash == hash {
			sim = 1
		}
		if sim > bestSim {
			bestIdx, bestSim = i, sim
		}
	}

	if bestIdx >= 0 && bestSim >= s.config.DuplicateThreshold {
		dup := (*existing)[bestIdx]
		if dup.HasConversation(conv.ConversationID) {
			// An earlier run stored this entry but left the one it replaces active
			if stale := slotHolder(*existing, cand.Slot, dup.ID); stale >= 0 {
				s.replaceSlot(ctx, cand, &dup, stale, existing, result)
			}
			return &dup, outcomeUnchanged, nil
		}
		if err := s.merge(ctx, &(*existing)[bestIdx], conv.ConversationID); err != nil {
			return nil, 0, err
		}
		merged := (*existing)[bestIdx]
		return &merged, outcomeMerged, nil
	}

	slotIdx := slotHolder(*existing, cand.Slot, primitive.NilObjectID)
	created, err := s.create(ctx, conv, cand, bestSim)
	if err != nil {
		return nil, 0, err
	}
	*existing = append(*existing, *created)

	if slotIdx < 0 {
		return created, outcomeCreated, nil
	}
	// The new entry is durable; only now retire the one it replaces
	return created, s.replaceSlot(ctx, cand, created, slotIdx, existing, result), nil
}

// slotHolder returns the index of the active entry filling slot, other than except
func slotHolder(existing []models.MemoryEntry, slot string, except primitive.ObjectID) int {
	if slot == "" {
		return -1
	}
	for i := range existing {
		if existing[i].Slot == slot && existing[i].ID != except {
			return i
		}
	}
	return -1
}

// replaceSlot retires existing[slotIdx] in favor of replacement. The old entry
// leaves existing only once it is retired, so a failure stays visible to the
// next run of the same conversation.
func (s *MemoryConsolidationService) replaceSlot(ctx context.Context, cand ExtractedCandidate, replacement *models.MemoryEntry, slotIdx int, existing *[]models.MemoryEntry, result *ConsolidationResult) candidateOutcome {
	old := (*existing)[slotIdx]
	status, action, outcome := models.StatusDeprecated, models.AuditDeprecate, outcomeSuperseded
	if jaccardSimilarity(old.Content, cand.Content) < s.config.ContradictThreshold {
		status, action, outcome = models.StatusContradicted, models.AuditContradict, outcomeConflict
	}

	if err := s.retire(ctx, &old, status, action, replacement.ID.Hex()); err != nil {
		result.UnretiredCount++
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Failed to retire memory %s, left active for the next run: %v", old.ID.Hex(), err)
		return outcome
	}
	*existing = slices.Delete(*existing, slotIdx, slotIdx+1)

	if outcome == outcomeConflict {
		conflict := memerr.Newf(memerr.ConsolidationConflict, "consolidate",
			"slot %s: memory %s contradicted by %s", cand.Slot, old.ID.Hex(), replacement.ID.Hex())
		log.Printf("⚔️ [MEMORY-CONSOLIDATION] %v", conflict)
	}
	return outcome
}

// maxConflictReloads bounds how often a write is recomputed from a fresh read
const maxConflictReloads = 3

// replaceFresh writes mutate(entry) under the entry's version. If another
// writer got there first, the entry is read again and mutate reapplied to the
// current state, so concurrent access counts are kept. On success entry holds
// what was written.
func (s *MemoryConsolidationService) replaceFresh(ctx context.Context, entry *models.MemoryEntry, mutate func(*models.MemoryEntry)) error {
	current := *entry
	for attempt := 0; ; attempt++ {
		updated := current
		updated.History = append([]models.HistoryRecord(nil), current.History...)
		mutate(&updated)

		err := retryErr(ctx, s.config.Retry, func() error {
			return s.store.Replace(ctx, &updated, current.Version)
		})
		if err == nil {
			*entry = updated
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == maxConflictReloads {
			return err
		}

		fresh, err := s.store.FindByIDs(ctx, entry.UserID, []primitive.ObjectID{entry.ID})
		if err != nil {
			return err
		}
		if len(fresh) == 0 || fresh[0].Status != models.StatusActive {
			return fmt.Errorf("memory %s is no longer active: %w", entry.ID.Hex(), ErrVersionConflict)
		}
		current = fresh[0]
	}
}

// merge confirms an existing entry from a new conversation
func (s *MemoryConsolidationService) merge(ctx context.Context, entry *models.MemoryEntry, conversationID string) error {
	now := s.now()
	err := s.replaceFresh(ctx, entry, func(m *models.MemoryEntry) {
		m.AppendHistory("confirmed in conversation "+conversationID, now)
		m.Importance.AccessCount++
		m.Provenance.Confidence = math.Min(m.Provenance.Confidence+s.config.ConfidenceStep, s.config.MaxConfidence)
		m.Provenance.Conversations = append(slices.Clone(m.Provenance.Conversations), conversationID)
	})
	if err != nil {
		return fmt.Errorf("failed to merge memory %s: %w", entry.ID.Hex(), err)
	}

	s.appendAudit(ctx, newAudit(entry, models.AuditMerge, "conversation "+conversationID, now))
	return nil
}

// kindWeight ranks how much a kind contributes to initial importance
func kindWeight(kind models.MemoryKind) float64 {
	switch kind {
	case models.KindGoal:
		return 1.0
	case models.KindFact:
		return 0.9
	case models.KindRelationship:
		return 0.8
	case models.KindSkill:
		return 0.7
	case models.KindPreference:
		return 0.6
	default:
		return 0.5
	}
}

// InitialImportance is 0.4*confidence + 0.3*novelty + 0.2*|valence| + 0.1*kind weight
func InitialImportance(confidence, novelty, valence float64, kind models.MemoryKind) float64 {
	return models.ClampScore(0.4*clamp01(confidence) +
		0.3*clamp01(novelty) +
		0.2*math.Min(math.Abs(valence), 1) +
		0.1*kindWeight(kind))
}

// enrich builds a new entry from a candidate
func (s *MemoryConsolidationService) enrich(conv *models.Conversation, cand ExtractedCandidate, bestSim float64) (*models.MemoryEntry, error) {
	now := s.now()
	createdAt := now
	if !cand.At.IsZero() && cand.At.Before(now) {
		createdAt = cand.At.UTC()
	}

	score := InitialImportance(cand.Confidence, 1-bestSim, cand.Valence, cand.Kind)
	decayRate := 0.05
	if cand.Kind == models.KindEvent {
		decayRate = 0.1
	}

	id := primitive.NewObjectID()
	entry := &models.MemoryEntry{
		ID:          id,
		UserID:      conv.UserID,
		Content:     cand.Content,
		ContentHash: contentHash(cand.Content),
		Kind:        cand.Kind,
		Slot:        cand.Slot,
		Namespace:   cand.Namespace,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
		Importance: models.Importance{
			Score:            score,
			BaseScore:        score,
			UserMarked:       cand.Method == models.MethodExplicit,
			RecencyFactor:    RecencyFactor(createdAt, now),
			EmotionalValence: cand.Valence,
			DecayRate:        decayRate,
		},
		Provenance: models.Provenance{
			ConversationID: conv.ConversationID,
			Conversations:  []string{conv.ConversationID},
			Method:         cand.Method,
			Confidence:     cand.Confidence,
			Rule:           cand.Rule,
		},
		Semantic: models.SemanticRef{
			VectorID: id.Hex(),
			Keywords: extractKeywords(cand.Content, 8),
		},
		Status:  models.StatusActive,
		Privacy: privacy.Classify(cand.Content, cand.Namespace.Category),
		Version: 1,
	}

	if cand.Kind == models.KindEvent && entry.Privacy.RetentionPolicy == models.RetentionStandard {
		entry.Privacy.RetentionPolicy = models.RetentionEvent
	}
	if expiry := privacy.RetentionExpiry(entry.Privacy.RetentionPolicy, createdAt); expiry != nil {
		if err := entry.SetExpiry(*expiry); err != nil {
			return nil, memerr.New(memerr.InvalidMemoryContent, "enrich", err)
		}
	}
	return entry, nil
}

// create performs the dual write: structured record first with vectorSynced
// unset, then the vector. A vector failure after retries deletes the record.
func (s *MemoryConsolidationService) create(ctx context.Context, conv *models.Conversation, cand ExtractedCandidate, bestSim float64) (*models.MemoryEntry, error) {
	entry, err := s.enrich(conv, cand, bestSim)
	if err != nil {
		return nil, err
	}

	if err := retryErr(ctx, s.config.Retry, func() error {
		return s.store.Insert(ctx, entry)
	}); err != nil {
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}
	s.appendAudit(ctx, newAudit(entry, models.AuditCreate, "rule "+cand.Rule, entry.UpdatedAt))

	if err := s.writeVector(ctx, entry); err != nil {
		s.rollback(ctx, entry, err)
		return nil, err
	}

	if err := s.store.SetVectorSynced(ctx, entry.UserID, entry.ID, true); err != nil {
		// The reconcile job re-upserts and flips the flag later
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Failed to mark memory %s synced: %v", entry.ID.Hex(), err)
	} else {
		entry.VectorSynced = true
	}
	return entry, nil
}

func (s *MemoryConsolidationService) writeVector(ctx context.Context, entry *models.MemoryEntry) error {
	vector, err := withRetry(ctx, s.config.Retry, func() ([]float32, error) {
		return s.embedder.Embed(ctx, entry.Content)
	})
	s.observe(health.DepEmbedding, 0, err)
	if err != nil {
		return err
	}

	start := time.Now()
	err = retryErr(ctx, s.config.Retry, func() error {
		return s.index.Upsert(ctx, entry.UserID, entry.Semantic.VectorID, vector, vectorMetadata(entry))
	})
	s.observe(health.DepVectorIndex, time.Since(start), err)
	return err
}

func (s *MemoryConsolidationService) rollback(ctx context.Context, entry *models.MemoryEntry, cause error) {
	// The caller's context may be what failed; the rollback must still run
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := retryErr(rbCtx, s.config.Retry, func() error {
		err := s.store.Delete(rbCtx, entry.UserID, entry.ID)
		if errors.Is(err, ErrMemoryNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Printf("❌ [MEMORY-CONSOLIDATION] Rollback of memory %s failed, left unsynced for reconcile: %v", entry.ID.Hex(), err)
		return
	}
	s.appendAudit(rbCtx, newAudit(entry, models.AuditRollback, truncateReason(cause.Error()), s.now()))
	log.Printf("↩️ [MEMORY-CONSOLIDATION] Rolled back memory %s after vector write failure", entry.ID.Hex())
}

// retire moves an entry out of the active set and drops its vector
func (s *MemoryConsolidationService) retire(ctx context.Context, entry *models.MemoryEntry, status models.MemoryStatus, action models.AuditAction, replacedBy string) error {
	now := s.now()
	err := s.replaceFresh(ctx, entry, func(m *models.MemoryEntry) {
		m.AppendHistory(fmt.Sprintf("%s by %s", status, replacedBy), now)
		m.Status = status
		m.VectorSynced = false
		m.Semantic.RelatedIDs = append(slices.Clone(m.Semantic.RelatedIDs), replacedBy)
		if status == models.StatusContradicted {
			m.Importance.ContradictionCount++
		}
	})
	if err != nil {
		return err
	}
	s.appendAudit(ctx, newAudit(entry, action, "replaced by "+replacedBy, now))

	if err := s.index.Delete(ctx, entry.UserID, entry.Semantic.VectorID); err != nil {
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Vector delete for %s deferred to reconcile: %v", entry.ID.Hex(), err)
		return nil
	}
	if err := s.store.SetVectorSynced(ctx, entry.UserID, entry.ID, true); err != nil {
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Failed to mark memory %s synced: %v", entry.ID.Hex(), err)
	}
	return nil
}

func (s *MemoryConsolidationService) updateProfile(ctx context.Context, userID string, facts []ProfileFact, memoryCount int, changed bool) error {
	if !changed {
		return nil
	}
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return err
	}

	now := s.now()
	FoldIntoProfile(profile, facts, now)
	profile.Stats.ConversationCount++
	profile.Stats.MemoryCount = memoryCount
	profile.Stats.LastConsolidatedAt = &now
	profile.UpdatedAt = now
	return s.profiles.Save(ctx, profile)
}

func (s *MemoryConsolidationService) recordRun(ctx context.Context, conv *models.Conversation, result *ConsolidationResult, runErr error) {
	now := s.now()
	run := &models.ConsolidationRun{
		UserID:         conv.UserID,
		ConversationID: conv.ConversationID,
		Status:         models.RunStatusCompleted,
		LastMessageAt:  conv.LastMessageAt,
		Created:        result.CreatedCount,
		Merged:         result.MergedCount,
		Conflicts:      result.ConflictCount,
		ProcessedAt:    &now,
	}
	switch {
	case runErr != nil:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = truncateReason(runErr.Error())
	case result.FailedCount > 0:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = fmt.Sprintf("%d candidates failed", result.FailedCount)
	case result.UnretiredCount > 0:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = fmt.Sprintf("%d replaced memories not retired", result.UnretiredCount)
	}

	if err := s.conversations.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Failed to record run for %s: %v", conv.ConversationID, err)
	}
}

func (s *MemoryConsolidationService) appendAudit(ctx context.Context, record models.AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := retryErr(ctx, s.config.Retry, func() error {
		return s.audit.Append(ctx, record)
	}); err != nil {
		log.Printf("⚠️ [MEMORY-CONSOLIDATION] Audit append failed for memory %s: %v", record.MemoryID, err)
	}
}

func (s *MemoryConsolidationService) observe(dep string, latency time.Duration, err error) {
	if s.health != nil {
		s.health.Observe(dep, latency, err)
	}
}

// vectorMetadata is what the vector index stores next to an entry's embedding
func vectorMetadata(entry *models.MemoryEntry) map[string]string {
	return map[string]string{
		vectorMetaKind:        string(entry.Kind),
		vectorMetaCategory:    string(entry.Namespace.Category),
		vectorMetaSubcategory: entry.Namespace.Subcategory,
		vectorMetaTopic:       entry.Namespace.Topic,
	}
}

func truncateReason(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}

package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"tutormemory/internal/health"
	"tutormemory/internal/models"
)

// ReconcileResult counts what one reconcile pass repaired
type ReconcileResult struct {
	Scanned  int `json:"scanned"`
	Upserted int `json:"upserted"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// VectorReconcileService brings the vector index back in line with the
// structured store for entries left with vectorSynced unset
type VectorReconcileService struct {
	store    MemoryStore
	index    VectorIndex
	embedder Embedder
	health   *health.Service
	grace    time.Duration
	batch    int
	retry    RetryPolicy
	now      func() time.Time
}

// NewVectorReconcileService creates the reconciler. Entries modified within
// grace are skipped so in-flight dual writes are not raced.
func NewVectorReconcileService(store MemoryStore, index VectorIndex, embedder Embedder, healthService *health.Service, grace time.Duration, batch int) *VectorReconcileService {
	if batch <= 0 {
		batch = 200
	}
	return &VectorReconcileService{
		store:    store,
		index:    index,
		embedder: embedder,
		health:   healthService,
		grace:    grace,
		batch:    batch,
		retry:    DefaultRetryPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile processes one batch of unsynced entries. Active entries are
// re-embedded and upserted; everything else is removed from the index.
func (s *VectorReconcileService) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	if s.health != nil && !s.health.Allow(health.DepVectorIndex) {
		log.Printf("⏸️ [VECTOR-RECONCILE] Vector index circuit open, skipping pass")
		return result, nil
	}

	entries, err := s.store.FindUnsynced(ctx, s.now().Add(-s.grace), s.batch)
	if err != nil {
		return result, fmt.Errorf("failed to list unsynced memories: %w", err)
	}
	result.Scanned = len(entries)

	for i := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		entry := &entries[i]

		action, err := s.reconcileOne(ctx, entry)
		if err != nil {
			result.Failed++
			GetMetrics().VectorReconciled.WithLabelValues("failed").Inc()
			log.Printf("⚠️ [VECTOR-RECONCILE] Memory %s: %v", entry.ID.Hex(), err)
			continue
		}
		GetMetrics().VectorReconciled.WithLabelValues(action).Inc()
		if action == "upserted" {
			result.Upserted++
		} else {
			result.Deleted++
		}
	}

	if result.Scanned > 0 {
		log.Printf("🔄 [VECTOR-RECONCILE] %d scanned, %d upserted, %d deleted, %d failed",
			result.Scanned, result.Upserted, result.Deleted, result.Failed)
	}
	return result, nil
}

func (s *VectorReconcileService) reconcileOne(ctx context.Context, entry *models.MemoryEntry) (string, error) {
	vectorID := entry.Semantic.VectorID
	if vectorID == "" {
		vectorID = entry.ID.Hex()
	}

	action := "deleted"
	start := time.Now()
	var err error
	if entry.IsActive() {
		action = "upserted"
		var vector []float32
		vector, err = withRetry(ctx, s.retry, func() ([]float32, error) {
			return s.embedder.Embed(ctx, entry.Content)
		})
		if s.health != nil {
			s.health.Observe(health.DepEmbedding, 0, err)
		}
		if err != nil {
			return action, fmt.Errorf("embed: %w", err)
		}
		start = time.Now()
		err = retryErr(ctx, s.retry, func() error {
			return s.index.Upsert(ctx, entry.UserID, vectorID, vector, vectorMetadata(entry))
		})
	} else {
		err = retryErr(ctx, s.retry, func() error {
			return s.index.Delete(ctx, entry.UserID, vectorID)
		})
	}
	if s.health != nil {
		s.health.Observe(health.DepVectorIndex, time.Since(start), err)
	}
	if err != nil {
		return action, err
	}

	if err := s.store.SetVectorSynced(ctx, entry.UserID, entry.ID, true); err != nil {
		return action, fmt.Errorf("mark synced: %w", err)
	}
	return action, nil
}

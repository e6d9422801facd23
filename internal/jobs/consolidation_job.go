package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tutormemory/internal/logging"
	"tutormemory/internal/models"
	"tutormemory/internal/services"
)

const ConsolidationJobName = "memory_consolidation"

// Consolidator is the part of the memory engine the consolidation job drives
type Consolidator interface {
	Consolidate(ctx context.Context, userID, conversationID string) (*services.ConsolidationResult, error)
}

// PendingConversationLister finds conversations that went idle without a
// completed consolidation run
type PendingConversationLister interface {
	ListPendingConsolidation(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationRef, error)
}

// ConsolidationJob extracts long-term memories from conversations that have
// been idle for at least minIdle
type ConsolidationJob struct {
	memory        Consolidator
	conversations PendingConversationLister
	pool          *workerPool
	minIdle       time.Duration
	batch         int
	now           func() time.Time
}

// NewConsolidationJob creates a new consolidation job
func NewConsolidationJob(memory Consolidator, conversations PendingConversationLister, minIdle time.Duration, batch int, workers WorkerConfig) *ConsolidationJob {
	if batch <= 0 {
		batch = 100
	}
	return &ConsolidationJob{
		memory:        memory,
		conversations: conversations,
		pool:          newWorkerPool(workers),
		minIdle:       minIdle,
		batch:         batch,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run consolidates one batch of pending conversations
func (j *ConsolidationJob) Run(ctx context.Context) error {
	logger := logging.WithJob(ConsolidationJobName, uuid.NewString())

	refs, err := j.conversations.ListPendingConsolidation(ctx, j.now().Add(-j.minIdle), j.batch)
	if err != nil {
		return fmt.Errorf("failed to list pending conversations: %w", err)
	}
	if len(refs) == 0 {
		logger.Debug("no conversations pending consolidation")
		return nil
	}
	logger.Info("consolidating conversations", "pending", len(refs))

	var done, busy, failed, created, merged, conflicts atomic.Int64
	runErr := j.pool.each(ctx, len(refs), func(ctx context.Context, i int) {
		ref := refs[i]
		var result *services.ConsolidationResult
		skipped := false

		err := j.pool.retry.Do(ctx, func() error {
			r, err := j.memory.Consolidate(ctx, ref.UserID, ref.ConversationID)
			if errors.Is(err, services.ErrUserBusy) {
				skipped = true
				return nil
			}
			result = r
			return err
		})
		switch {
		case skipped:
			busy.Add(1)
			logger.Debug("user busy, leaving conversation for next run",
				"user_id", ref.UserID, "conversation_id", ref.ConversationID)
		case err != nil:
			failed.Add(1)
			logger.Warn("consolidation failed",
				"user_id", ref.UserID, "conversation_id", ref.ConversationID, "error", err)
		default:
			done.Add(1)
			if result != nil {
				created.Add(int64(result.CreatedCount))
				merged.Add(int64(result.MergedCount))
				conflicts.Add(int64(result.ConflictCount))
			}
		}
	})

	logger.Info("consolidation complete",
		"consolidated", done.Load(),
		"busy", busy.Load(),
		"failed", failed.Load(),
		"created", created.Load(),
		"merged", merged.Load(),
		"conflicts", conflicts.Load())
	return runErr
}

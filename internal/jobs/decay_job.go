package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"tutormemory/internal/logging"
	"tutormemory/internal/services"
)

const DecayJobName = "memory_decay"

// Decayer is the part of the memory engine the decay job drives
type Decayer interface {
	Decay(ctx context.Context, userID string) (*services.DecayResult, error)
}

// UserLister enumerates users that own memories
type UserLister interface {
	DistinctUserIDs(ctx context.Context) ([]string, error)
}

// DecayJob recomputes importance for every user and archives what should be
// forgotten. Users are handled batch by batch so a cancelled run stops at a
// batch boundary at worst.
type DecayJob struct {
	memory Decayer
	users  UserLister
	pool   *workerPool
	batch  int
}

// NewDecayJob creates a new decay job
func NewDecayJob(memory Decayer, users UserLister, batch int, workers WorkerConfig) *DecayJob {
	if batch <= 0 {
		batch = 500
	}
	return &DecayJob{
		memory: memory,
		users:  users,
		pool:   newWorkerPool(workers),
		batch:  batch,
	}
}

// Run decays every user's memories
func (j *DecayJob) Run(ctx context.Context) error {
	logger := logging.WithJob(DecayJobName, uuid.NewString())

	userIDs, err := j.users.DistinctUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	logger.Info("decaying memories", "users", len(userIDs))

	var done, busy, failed, evaluated, updated, forgotten atomic.Int64
	for start := 0; start < len(userIDs); start += j.batch {
		end := min(start+j.batch, len(userIDs))
		batch := userIDs[start:end]

		err := j.pool.each(ctx, len(batch), func(ctx context.Context, i int) {
			userID := batch[i]
			var result *services.DecayResult
			skipped := false

			err := j.pool.retry.Do(ctx, func() error {
				r, err := j.memory.Decay(ctx, userID)
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
			case err != nil:
				failed.Add(1)
				logger.Warn("decay failed", "user_id", userID, "error", err)
			default:
				done.Add(1)
				if result != nil {
					evaluated.Add(int64(result.EvaluatedCount))
					updated.Add(int64(result.UpdatedCount))
					forgotten.Add(int64(result.ForgottenCount))
				}
			}
		})
		if err != nil {
			logger.Warn("decay cancelled", "processed", done.Load()+busy.Load()+failed.Load())
			return err
		}
	}

	logger.Info("decay complete",
		"users", done.Load(),
		"busy", busy.Load(),
		"failed", failed.Load(),
		"evaluated", evaluated.Load(),
		"updated", updated.Load(),
		"forgotten", forgotten.Load())
	return nil
}

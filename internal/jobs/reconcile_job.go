package jobs

import (
	"context"

	"github.com/google/uuid"

	"tutormemory/internal/logging"
	"tutormemory/internal/services"
)

const ReconcileJobName = "vector_reconcile"

// Reconciler repairs vector index drift
type Reconciler interface {
	Reconcile(ctx context.Context) (*services.ReconcileResult, error)
}

// ReconcileJob runs reconcile passes until a pass finds nothing left to do,
// the context ends, or maxPasses is reached
type ReconcileJob struct {
	reconciler Reconciler
	maxPasses  int
}

// NewReconcileJob creates a new vector reconcile job
func NewReconcileJob(reconciler Reconciler, maxPasses int) *ReconcileJob {
	if maxPasses <= 0 {
		maxPasses = 5
	}
	return &ReconcileJob{reconciler: reconciler, maxPasses: maxPasses}
}

func (j *ReconcileJob) Run(ctx context.Context) error {
	logger := logging.WithJob(ReconcileJobName, uuid.NewString())

	total := services.ReconcileResult{}
	for pass := 0; pass < j.maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := j.reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		total.Scanned += result.Scanned
		total.Upserted += result.Upserted
		total.Deleted += result.Deleted
		total.Failed += result.Failed

		// Failed entries stay unsynced and would be rescanned forever
		if result.Upserted+result.Deleted == 0 {
			break
		}
	}

	if total.Scanned > 0 {
		logger.Info("vector reconcile complete",
			"scanned", total.Scanned,
			"upserted", total.Upserted,
			"deleted", total.Deleted,
			"failed", total.Failed)
	}
	return nil
}

package jobs

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tutormemory/internal/services"
)

// WorkerConfig bounds how fast a job fans out across users
type WorkerConfig struct {
	Workers       int
	RatePerSecond float64
	Retry         services.RetryPolicy
}

type workerPool struct {
	workers int
	limiter *rate.Limiter
	retry   services.RetryPolicy
}

func newWorkerPool(cfg WorkerConfig) *workerPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	p := &workerPool{workers: workers, retry: cfg.Retry}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), workers)
	}
	return p
}

// each calls fn for items 0..n-1 with bounded concurrency. No new item is
// started once ctx is done; items already started run to completion.
func (p *workerPool) each(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	var g errgroup.Group
	g.SetLimit(p.workers)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

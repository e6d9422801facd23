package jobs

import (
	"context"
	"log"
	"sort"

	"tutormemory/internal/health"
)

const HealthCheckJobName = "health_check"

// HealthCheckJob probes every registered dependency so a tripped circuit
// can close again without waiting for live traffic
type HealthCheckJob struct {
	healthService *health.Service
}

// NewHealthCheckJob creates a new dependency health check job
func NewHealthCheckJob(healthService *health.Service) *HealthCheckJob {
	return &HealthCheckJob{healthService: healthService}
}

// Run pings all dependencies that have a checker
func (j *HealthCheckJob) Run(ctx context.Context) error {
	results := j.healthService.CheckAll(ctx)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		if err := results[name]; err != nil {
			failed++
			log.Printf("⚠️  [HEALTH-JOB] %s: FAILED (%v)", name, err)
		}
	}
	if failed > 0 {
		log.Printf("[HEALTH-JOB] Health checks complete: %d checked, %d failed", len(results), failed)
	}
	return ctx.Err()
}

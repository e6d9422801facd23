package services

import (
	"context"
	"log"
	"time"

	"tutormemory/internal/health"
)

// Pinger is any backend that can answer a liveness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthDependencies are the probeable backends of the memory engine.
// Nil entries are not registered.
type HealthDependencies struct {
	StructuredStore Pinger
	VectorIndex     Pinger
	EphemeralCache  Pinger
	Embedder        Embedder // probed with a short embedding call
}

// InitHealthService creates the circuit breaker service and registers a
// checker per dependency so the health job can close tripped circuits
func InitHealthService(failureThreshold int, cooldown time.Duration, deps HealthDependencies) *health.Service {
	svc := health.NewService(failureThreshold, cooldown)

	register := func(name string, p Pinger) {
		if p == nil {
			return
		}
		svc.Register(name, health.CheckerFunc{DependencyName: name, PingFunc: p.Ping})
	}
	register(health.DepStructuredStore, deps.StructuredStore)
	register(health.DepVectorIndex, deps.VectorIndex)
	register(health.DepEphemeralCache, deps.EphemeralCache)

	if deps.Embedder != nil {
		embedder := deps.Embedder
		svc.Register(health.DepEmbedding, health.CheckerFunc{
			DependencyName: health.DepEmbedding,
			PingFunc: func(ctx context.Context) error {
				_, err := embedder.Embed(ctx, "health probe")
				return err
			},
		})
	}

	log.Printf("✅ [HEALTH-INIT] Health service initialized (threshold %d, cooldown %v)", failureThreshold, cooldown)
	return svc
}

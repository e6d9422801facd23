package health

import (
	"context"
	"time"
)

// Dependency names the engine tracks
const (
	DepStructuredStore = "structured_store"
	DepVectorIndex     = "vector_index"
	DepEphemeralCache  = "ephemeral_cache"
	DepEmbedding       = "embedding"
	DepSummarizer      = "summarizer"
)

// HealthStatus represents the health state of a dependency
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusCooldown  HealthStatus = "cooldown"
	StatusUnknown   HealthStatus = "unknown"
)

// DependencyHealth tracks one storage or capability dependency
type DependencyHealth struct {
	Name          string       `json:"name"`
	Status        HealthStatus `json:"status"`
	LastChecked   time.Time    `json:"last_checked"`
	LastSuccessAt time.Time    `json:"last_success_at"`
	FailureCount  int          `json:"failure_count"`
	LastError     string       `json:"last_error,omitempty"`
	CooldownUntil time.Time    `json:"cooldown_until"`
	LatencyMs     int64        `json:"latency_ms"`
}

// Checker actively probes a dependency
type Checker interface {
	Name() string
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a ping function to Checker
type CheckerFunc struct {
	DependencyName string
	PingFunc       func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                   { return c.DependencyName }
func (c CheckerFunc) Ping(ctx context.Context) error { return c.PingFunc(ctx) }

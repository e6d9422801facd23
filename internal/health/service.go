package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultCooldownDuration = 30 * time.Second
	defaultCheckTimeout     = 2 * time.Second
)

// Service tracks dependency health and acts as a circuit breaker per dependency.
// After failureThreshold consecutive failures a dependency is skipped until its
// cooldown lapses, then one call is let through to probe it.
type Service struct {
	mu               sync.RWMutex
	deps             map[string]*DependencyHealth
	checkers         map[string]Checker
	failureThreshold int
	cooldownDuration time.Duration
	now              func() time.Time
}

// NewService creates a new health service
func NewService(failureThreshold int, cooldownDuration time.Duration) *Service {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if cooldownDuration <= 0 {
		cooldownDuration = defaultCooldownDuration
	}

	return &Service{
		deps:             make(map[string]*DependencyHealth),
		checkers:         make(map[string]Checker),
		failureThreshold: failureThreshold,
		cooldownDuration: cooldownDuration,
		now:              time.Now,
	}
}

// Register adds a dependency with an optional active checker
func (s *Service) Register(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deps[name]; !exists {
		s.deps[name] = &DependencyHealth{Name: name, Status: StatusUnknown}
		log.Printf("[HEALTH] Registered dependency %s", name)
	}
	if checker != nil {
		s.checkers[name] = checker
	}
}

func (s *Service) entry(name string) *DependencyHealth {
	h, exists := s.deps[name]
	if !exists {
		h = &DependencyHealth{Name: name, Status: StatusUnknown}
		s.deps[name] = h
	}
	return h
}

// Allow reports whether a call to the dependency should be attempted
func (s *Service) Allow(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.deps[name]
	if !exists {
		return true
	}

	switch h.Status {
	case StatusUnhealthy, StatusCooldown:
		return s.now().After(h.CooldownUntil)
	default:
		return true
	}
}

// MarkHealthy records a successful call
func (s *Service) MarkHealthy(name string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.entry(name)
	wasUnhealthy := h.Status == StatusUnhealthy || h.Status == StatusCooldown
	now := s.now()
	h.Status = StatusHealthy
	h.FailureCount = 0
	h.LastError = ""
	h.LastSuccessAt = now
	h.LastChecked = now
	h.CooldownUntil = time.Time{}
	h.LatencyMs = latency.Milliseconds()

	if wasUnhealthy {
		log.Printf("[HEALTH] %s recovered - now healthy", name)
	}
}

// MarkUnhealthy records a failure. Quota errors enter cooldown immediately;
// other errors do so once the failure threshold is reached.
func (s *Service) MarkUnhealthy(name string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.entry(name)
	now := s.now()
	msg := err.Error()
	h.FailureCount++
	h.LastError = truncateStr(msg, 200)
	h.LastChecked = now

	if IsQuotaError(0, msg) {
		h.Status = StatusCooldown
		h.CooldownUntil = now.Add(ParseCooldownDuration(0, msg))
		log.Printf("[HEALTH] %s in COOLDOWN until %s (quota): %s",
			name, h.CooldownUntil.Format(time.RFC3339), h.LastError)
		return
	}

	if h.FailureCount >= s.failureThreshold {
		h.Status = StatusUnhealthy
		h.CooldownUntil = now.Add(s.cooldownDuration)
		log.Printf("[HEALTH] %s marked UNHEALTHY after %d failures: %s", name, h.FailureCount, h.LastError)
	} else {
		log.Printf("[HEALTH] %s failure %d/%d: %s", name, h.FailureCount, s.failureThreshold, h.LastError)
	}
}

// Observe records the outcome of a call
func (s *Service) Observe(name string, latency time.Duration, err error) {
	if err != nil {
		s.MarkUnhealthy(name, err)
		return
	}
	s.MarkHealthy(name, latency)
}

// CheckAll pings every dependency that has a checker
func (s *Service) CheckAll(ctx context.Context) map[string]error {
	s.mu.RLock()
	checkers := make([]Checker, 0, len(s.checkers))
	for _, c := range s.checkers {
		checkers = append(checkers, c)
	}
	s.mu.RUnlock()

	results := make(map[string]error, len(checkers))
	for _, c := range checkers {
		if ctx.Err() != nil {
			break
		}
		checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
		start := s.now()
		err := c.Ping(checkCtx)
		cancel()
		s.Observe(c.Name(), s.now().Sub(start), err)
		results[c.Name()] = err
	}
	return results
}

// Snapshot returns all dependencies sorted by name
func (s *Service) Snapshot() []DependencyHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	result := make([]DependencyHealth, 0, len(s.deps))
	for _, h := range s.deps {
		copied := *h
		if (copied.Status == StatusCooldown || copied.Status == StatusUnhealthy) && now.After(copied.CooldownUntil) {
			copied.Status = StatusUnknown // cooldown expired, waiting for a probe
		}
		result = append(result, copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Healthy reports whether no dependency is currently tripped
func (s *Service) Healthy() bool {
	for _, h := range s.Snapshot() {
		if h.Status == StatusUnhealthy || h.Status == StatusCooldown {
			return false
		}
	}
	return true
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

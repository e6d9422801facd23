package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(threshold int, cooldown time.Duration) (*Service, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := NewService(threshold, cooldown)
	s.now = clock.Now
	return s, clock
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	s, clock := newTestService(2, time.Minute)
	s.Register(DepVectorIndex, nil)

	assert.True(t, s.Allow(DepVectorIndex))
	s.MarkUnhealthy(DepVectorIndex, errors.New("connection refused"))
	assert.True(t, s.Allow(DepVectorIndex), "one failure stays under the threshold")

	s.MarkUnhealthy(DepVectorIndex, errors.New("connection refused"))
	assert.False(t, s.Allow(DepVectorIndex))
	assert.False(t, s.Healthy())

	clock.Advance(61 * time.Second)
	assert.True(t, s.Allow(DepVectorIndex), "cooldown lapsed, probe allowed")

	s.MarkHealthy(DepVectorIndex, 5*time.Millisecond)
	assert.True(t, s.Healthy())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StatusHealthy, snap[0].Status)
	assert.Equal(t, int64(5), snap[0].LatencyMs)
}

func TestQuotaErrorEntersCooldownImmediately(t *testing.T) {
	s, _ := newTestService(5, time.Minute)
	s.MarkUnhealthy(DepEmbedding, errors.New("429: Rate limit reached, requests per minute"))

	assert.False(t, s.Allow(DepEmbedding))
	assert.Equal(t, StatusCooldown, s.Snapshot()[0].Status)
}

func TestCheckAllUsesCheckers(t *testing.T) {
	s, _ := newTestService(1, time.Minute)
	s.Register(DepStructuredStore, CheckerFunc{DependencyName: DepStructuredStore, PingFunc: func(context.Context) error { return nil }})
	s.Register(DepEphemeralCache, CheckerFunc{DependencyName: DepEphemeralCache, PingFunc: func(context.Context) error { return errors.New("down") }})

	results := s.CheckAll(context.Background())

	assert.NoError(t, results[DepStructuredStore])
	assert.Error(t, results[DepEphemeralCache])
	assert.True(t, s.Allow(DepStructuredStore))
	assert.False(t, s.Allow(DepEphemeralCache))
}

func TestIsQuotaError(t *testing.T) {
	assert.True(t, IsQuotaError(429, ""))
	assert.True(t, IsQuotaError(0, "OOM command not allowed when used memory > 'maxmemory'"))
	assert.True(t, IsQuotaError(0, "insufficient_quota"))
	assert.False(t, IsQuotaError(500, "internal error"))
	assert.Equal(t, time.Hour, ParseCooldownDuration(0, "daily limit reached"))
	assert.Equal(t, time.Minute, ParseCooldownDuration(429, ""))
}

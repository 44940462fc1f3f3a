package runtime

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/traverse-labs/keel/pkg/fault"
)

// LanePolicy is the sustained rate and burst ceiling for one lane.
type LanePolicy struct {
	PerSecond float64
	Burst     int
}

// DefaultLanePolicies throttles the credit lane hardest: credit commands
// hold the per-stream write lock longest and fan into adjudication.
func DefaultLanePolicies() map[Lane]LanePolicy {
	return map[Lane]LanePolicy{
		LaneSaLifecycle:       {PerSecond: 200, Burst: 400},
		LaneSklDiscoveryTrust: {PerSecond: 50, Burst: 100},
		LaneAcCredit:          {PerSecond: 25, Burst: 50},
	}
}

// LaneLimiter applies a token-bucket limit per lane. Lanes without a
// policy are unthrottled.
type LaneLimiter struct {
	mu       sync.Mutex
	limiters map[Lane]*rate.Limiter
}

func NewLaneLimiter(policies map[Lane]LanePolicy) *LaneLimiter {
	limiters := make(map[Lane]*rate.Limiter, len(policies))
	for lane, policy := range policies {
		limiters[lane] = rate.NewLimiter(rate.Limit(policy.PerSecond), policy.Burst)
	}
	return &LaneLimiter{limiters: limiters}
}

// Allow admits or rejects a single command on its lane.
func (l *LaneLimiter) Allow(lane Lane) error {
	l.mu.Lock()
	limiter, ok := l.limiters[lane]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if !limiter.Allow() {
		return fault.New(fault.ResourceExhausted, "lane %s rate exceeded", lane)
	}
	return nil
}

package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/Phone/internal/domain"
)

// InviteLimiter allows at most limit invitations per extension within a sliding interval.
type InviteLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[domain.Identity][]time.Time
	limit    int
	interval time.Duration
}

func NewInviteLimiter(limit int, interval time.Duration, clk clock.Clock) *InviteLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &InviteLimiter{
		clock:    clk,
		history:  make(map[domain.Identity][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *InviteLimiter) Allow(ext domain.Identity) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[ext]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[ext] = fresh
		return false
	}
	rl.history[ext] = append(fresh, now)
	return true
}

package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"happy-sync/internal/ticker"
)

const tickRateLimitSweep = "ratelimit-sweep"

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	windows *xsync.MapOf[string, window]
	limit   int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, period, time.Now)
}

func NewRateLimiterWithNow(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		windows: xsync.NewMapOf[string, window](),
		limit:   limit,
		period:  period,
		now:     now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	allowed := false
	rl.windows.Compute(key, func(w window, loaded bool) (window, bool) {
		if !loaded || now.After(w.resetAt) {
			allowed = true
			return window{count: 1, resetAt: now.Add(rl.period)}, false
		}
		if w.count >= rl.limit {
			return w, false
		}
		allowed = true
		w.count++
		return w, false
	})
	return allowed
}

// Sweep forgets windows that ended before now.
func (rl *RateLimiter) Sweep(now time.Time) int {
	removed := 0
	rl.windows.Range(func(key string, w window) bool {
		if now.After(w.resetAt) {
			rl.windows.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// SweepEvery schedules Sweep on the shared ticker once per period.
func (rl *RateLimiter) SweepEvery(ticks *ticker.Hub) (stop func()) {
	if rl.period <= 0 {
		return func() {}
	}
	return ticks.Subscribe(tickRateLimitSweep, rl.period, func(time.Time) {
		rl.Sweep(rl.now())
	})
}

func (rl *RateLimiter) Len() int {
	return rl.windows.Size()
}

func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

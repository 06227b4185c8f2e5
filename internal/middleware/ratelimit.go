package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket whose window and budget can be
// changed while the server runs.
type RateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	visitors  map[string]*visitor
	now       func() time.Time
	lastSweep time.Time
}

func NewRateLimiter(window time.Duration, budget int) *RateLimiter {
	rl := &RateLimiter{visitors: make(map[string]*visitor), now: time.Now}
	rl.SetLimits(window, budget)
	return rl
}

// Limits returns the current window and budget.
func (rl *RateLimiter) Limits() (time.Duration, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.window, rl.max
}

// SetLimits changes the budget for every caller, including existing buckets.
func (rl *RateLimiter) SetLimits(window time.Duration, budget int) {
	if window <= 0 {
		window = time.Minute
	}
	if budget <= 0 {
		budget = 1
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.window, rl.max = window, budget
	now := rl.now()
	for _, v := range rl.visitors {
		v.limiter.SetLimitAt(now, rl.limit())
		v.limiter.SetBurstAt(now, budget)
	}
}

func (rl *RateLimiter) limit() rate.Limit {
	return rate.Limit(float64(rl.max) / rl.window.Seconds())
}

// Take consumes one token for id and reports the remaining budget and the
// time the bucket is full again.
func (rl *RateLimiter) Take(id string) (allowed bool, remaining int, reset time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.sweep(now)

	v, ok := rl.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit(), rl.max)}
		rl.visitors[id] = v
	}
	v.lastSeen = now

	allowed = v.limiter.AllowN(now, 1)
	tokens := v.limiter.TokensAt(now)
	remaining = int(math.Max(0, math.Floor(tokens)))
	missing := float64(rl.max) - tokens
	reset = now.Add(time.Duration(missing / float64(v.limiter.Limit()) * float64(time.Second)))
	return allowed, remaining, reset
}

// Allow satisfies echo's RateLimiterStore.
func (rl *RateLimiter) Allow(identifier string) (bool, error) {
	ok, _, _ := rl.Take(identifier)
	return ok, nil
}

// sweep drops callers idle for more than two windows, at most once a minute.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	for id, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 2*rl.window {
			delete(rl.visitors, id)
		}
	}
}

// Middleware limits by API key (or IP) and sets X-RateLimit-* headers.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, remaining, reset := rl.Take(ClientKey(c))
			_, budget := rl.Limits()
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(budget))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !allowed {
				return deny(c, http.StatusTooManyRequests, "Too many requests", "RATE_LIMITED")
			}
			return next(c)
		}
	}
}

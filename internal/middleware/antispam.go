package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gowa-gateway/internal/metrics"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SpamStore keeps the anti-spam counters.
type SpamStore interface {
	// Cooldown reserves key for d. When key is already reserved it returns
	// the remaining wait and false.
	Cooldown(ctx context.Context, key string, d time.Duration) (time.Duration, bool, error)
	// Hit counts one request in the quota window of key.
	Hit(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
}

type quotaState struct {
	count int
	reset time.Time
}

// MemorySpamStore is the single-process SpamStore.
type MemorySpamStore struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
	quotas    map[string]quotaState
	now       func() time.Time
	lastSweep time.Time
}

func NewMemorySpamStore() *MemorySpamStore {
	return &MemorySpamStore{
		cooldowns: make(map[string]time.Time),
		quotas:    make(map[string]quotaState),
		now:       time.Now,
	}
}

func (s *MemorySpamStore) Cooldown(_ context.Context, key string, d time.Duration) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if until, ok := s.cooldowns[key]; ok && now.Before(until) {
		return until.Sub(now), false, nil
	}
	s.cooldowns[key] = now.Add(d)
	return 0, true, nil
}

func (s *MemorySpamStore) Hit(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st, ok := s.quotas[key]
	if !ok || now.After(st.reset) {
		st = quotaState{reset: now.Add(window)}
	}
	st.count++
	s.quotas[key] = st
	return st.count, st.reset, nil
}

// sweep drops expired cooldowns at most once a minute.
func (s *MemorySpamStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.lastSweep = now
	for k, until := range s.cooldowns {
		if now.After(until) {
			delete(s.cooldowns, k)
		}
	}
	for k, st := range s.quotas {
		if now.After(st.reset) {
			delete(s.quotas, k)
		}
	}
}

// RedisSpamStore shares counters between gateway processes.
type RedisSpamStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSpamStore(client redis.UniversalClient, prefix string) *RedisSpamStore {
	if prefix == "" {
		prefix = "gowa:spam:"
	}
	return &RedisSpamStore{client: client, prefix: prefix}
}

func (s *RedisSpamStore) Cooldown(ctx context.Context, key string, d time.Duration) (time.Duration, bool, error) {
	k := s.prefix + "cd:" + key
	ok, err := s.client.SetNX(ctx, k, 1, d).Result()
	if err != nil {
		return 0, false, err
	}
	if ok {
		return 0, true, nil
	}
	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, false, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl, false, nil
}

func (s *RedisSpamStore) Hit(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	k := s.prefix + "q:" + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	remaining := ttl.Val()
	if remaining < 0 {
		// first hit of the window
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		remaining = window
	}
	return int(incr.Val()), time.Now().Add(remaining), nil
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

type SpamConfig struct {
	Cooldown    time.Duration
	QuotaWindow time.Duration
	QuotaMax    int
}

// AntiSpam enforces a per (caller, recipient) cooldown and a per-caller
// quota on send routes. Store errors let the request through.
func AntiSpam(store SpamStore, cfg SpamConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			client := ClientKey(c)

			if to := recipientOf(c); to != "" && cfg.Cooldown > 0 {
				wait, ok, err := store.Cooldown(ctx, client+":"+to, cfg.Cooldown)
				if err != nil {
					logger.Warn().Err(err).Msg("antispam cooldown check failed")
				} else if !ok {
					retryAfter := int(math.Ceil(wait.Seconds()))
					c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
					metrics.AntispamRejections.WithLabelValues("cooldown").Inc()
					return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
						"success":    false,
						"message":    "Recipient cooldown",
						"retryAfter": retryAfter,
						"error":      map[string]string{"code": "RECIPIENT_COOLDOWN"},
					})
				}
			}

			if cfg.QuotaMax <= 0 {
				return next(c)
			}
			count, reset, err := store.Hit(ctx, client, cfg.QuotaWindow)
			if err != nil {
				logger.Warn().Err(err).Msg("antispam quota check failed")
				return next(c)
			}
			h := c.Response().Header()
			h.Set("X-Quota-Limit", strconv.Itoa(cfg.QuotaMax))
			h.Set("X-Quota-Remaining", strconv.Itoa(max(0, cfg.QuotaMax-count)))
			h.Set("X-Quota-Reset", strconv.FormatInt(reset.Unix(), 10))
			if count > cfg.QuotaMax {
				metrics.AntispamRejections.WithLabelValues("quota").Inc()
				return deny(c, http.StatusTooManyRequests, "Quota exceeded", "QUOTA_EXCEEDED")
			}
			return next(c)
		}
	}
}

// recipientOf peeks at the JSON "to" field without consuming the body.
func recipientOf(c echo.Context) string {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) && req.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(req.Body, 2<<20))
		req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), req.Body))
		if err != nil {
			return ""
		}
		var body struct {
			To json.RawMessage `json:"to"`
		}
		if json.Unmarshal(raw, &body) != nil || len(body.To) == 0 {
			return ""
		}
		var s string
		if json.Unmarshal(body.To, &s) == nil {
			return strings.TrimSpace(s)
		}
		return strings.Trim(string(body.To), `" `)
	}
	// multipart bodies are streamed by the handler, only the query is checked
	return c.QueryParam("to")
}

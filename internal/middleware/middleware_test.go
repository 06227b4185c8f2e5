package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testKeys = Keys{Admin: "admin-key", Users: []string{"user-a", "user-b"}}

func okHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, ActorFrom(c))
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestKeysResolve(t *testing.T) {
	actor, ok := testKeys.Resolve("admin-key")
	require.True(t, ok)
	assert.True(t, actor.IsAdmin())

	actor, ok = testKeys.Resolve("user-b")
	require.True(t, ok)
	assert.Equal(t, model.RoleUser, actor.Role)
	assert.Equal(t, model.OwnerIDForKey("user-b"), actor.OwnerID)

	_, ok = testKeys.Resolve("nope")
	assert.False(t, ok)
	_, ok = Keys{}.Resolve("")
	assert.False(t, ok, "an empty admin key never matches")
}

func TestExtractAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?api_key=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-query", ExtractAPIKey(req))

	req.Header.Set("X-API-Key", "from-header")
	assert.Equal(t, "from-header", ExtractAPIKey(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", ExtractAPIKey(req))
}

func TestAPIKeyAuth(t *testing.T) {
	e := echo.New()
	e.GET("/user", okHandler, APIKeyAuth(testKeys, model.RoleUser))
	e.GET("/admin", okHandler, APIKeyAuth(testKeys, model.RoleAdmin))

	tests := []struct {
		name   string
		path   string
		key    string
		status int
		msg    string
	}{
		{"missing key", "/user", "", http.StatusUnauthorized, "Missing X-API-Key"},
		{"unknown key", "/user", "bogus", http.StatusUnauthorized, "Invalid X-API-Key"},
		{"user key", "/user", "user-a", http.StatusOK, ""},
		{"admin on user route", "/user", "admin-key", http.StatusOK, ""},
		{"user on admin route", "/admin", "user-a", http.StatusForbidden, "Admin only"},
		{"admin route", "/admin", "admin-key", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := serve(e, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.msg != "" {
				body := decode(t, rec)
				assert.Equal(t, false, body["success"])
				assert.Equal(t, tt.msg, body["message"])
			}
		})
	}
}

func TestBasicAuthGate(t *testing.T) {
	entry, err := helper.CredentialEntry("auditor", "s3cret", bcrypt.MinCost)
	require.NoError(t, err)

	e := echo.New()
	e.GET("/metrics", func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
		BasicAuthGate("ops:plain,"+entry, "Metrics"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := serve(e, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="Metrics"`)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "plain")
	assert.Equal(t, http.StatusOK, serve(e, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("auditor", "s3cret")
	assert.Equal(t, http.StatusOK, serve(e, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("auditor", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)
}

func TestBasicAuthGateWithoutUsersPassesThrough(t *testing.T) {
	e := echo.New()
	e.GET("/metrics", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, BasicAuthGate("", ""))
	assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}

func TestParseCredentials(t *testing.T) {
	users := ParseCredentials(" a:1 , b:pa:ss ,broken,:nouser")
	assert.Equal(t, map[string]string{"a": "1", "b": "pa:ss"}, users)
}

func sendRoute(store SpamStore, cfg SpamConfig) *echo.Echo {
	e := echo.New()
	e.POST("/send", func(c echo.Context) error {
		var body struct {
			To   string `json:"to"`
			Text string `json:"text"`
		}
		if err := c.Bind(&body); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, body)
	}, APIKeyAuth(testKeys, model.RoleUser), AntiSpam(store, cfg, zerolog.Nop()))
	return e
}

func sendReq(key, to string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"to":"`+to+`","text":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-API-Key", key)
	return req
}

func TestAntiSpamCooldownPerRecipient(t *testing.T) {
	store := NewMemorySpamStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	e := sendRoute(store, SpamConfig{Cooldown: 3 * time.Second, QuotaWindow: time.Minute, QuotaMax: 100})

	rec := serve(e, sendReq("user-a", "6281"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6281", decode(t, rec)["to"], "handler still sees the body")
	assert.Equal(t, "100", rec.Header().Get("X-Quota-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-Quota-Remaining"))

	rec = serve(e, sendReq("user-a", "6281"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Recipient cooldown", decode(t, rec)["message"])

	// another recipient, another caller
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "6282")).Code)
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-b", "6281")).Code)

	now = now.Add(3 * time.Second)
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "6281")).Code)
}

func TestAntiSpamQuota(t *testing.T) {
	store := NewMemorySpamStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	e := sendRoute(store, SpamConfig{QuotaWindow: time.Minute, QuotaMax: 2})

	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "1")).Code)
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "2")).Code)
	rec := serve(e, sendReq("user-a", "3"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Quota-Remaining"))
	assert.Equal(t, now.Add(time.Minute).Unix(), mustInt(t, rec.Header().Get("X-Quota-Reset")))

	now = now.Add(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "4")).Code)
}

type brokenStore struct{}

func (brokenStore) Cooldown(context.Context, string, time.Duration) (time.Duration, bool, error) {
	return 0, false, assert.AnError
}

func (brokenStore) Hit(context.Context, string, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, assert.AnError
}

func TestAntiSpamFailsOpen(t *testing.T) {
	e := sendRoute(brokenStore{}, SpamConfig{Cooldown: time.Second, QuotaWindow: time.Minute, QuotaMax: 1})
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "1")).Code)
	assert.Equal(t, http.StatusOK, serve(e, sendReq("user-a", "1")).Code)
}

func TestRedisSpamStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSpamStore(client, "")
	ctx := context.Background()

	_, ok, err := store.Cooldown(ctx, "k:1", 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	wait, ok, err := store.Cooldown(ctx, "k:1", 3*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3*time.Second, wait)

	mr.FastForward(3 * time.Second)
	_, ok, err = store.Cooldown(ctx, "k:1", 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 1; i <= 3; i++ {
		count, _, err := store.Hit(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}
	assert.True(t, mr.Exists("gowa:spam:q:k"))
	assert.Equal(t, time.Minute, mr.TTL("gowa:spam:q:k"))

	mr.FastForward(time.Minute)
	count, _, err := store.Hit(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a new window starts after expiry")
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	e := echo.New()
	e.GET("/api", okHandler, APIKeyAuth(testKeys, model.RoleUser), rl.Middleware())
	get := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.Header.Set("X-API-Key", key)
		return serve(e, req)
	}

	rec := get("user-a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusOK, get("user-a").Code)
	rec = get("user-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", decode(t, rec)["message"])
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, get("user-b").Code, "buckets are per caller")
}

func TestRateLimiterSetLimits(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	ok, _, _ := rl.Take("a")
	require.True(t, ok)
	ok, _, _ = rl.Take("a")
	require.False(t, ok)

	rl.SetLimits(time.Second, 10)
	window, budget := rl.Limits()
	assert.Equal(t, time.Second, window)
	assert.Equal(t, 10, budget)

	now = now.Add(time.Second)
	ok, remaining, _ := rl.Take("a")
	assert.True(t, ok, "existing buckets pick up the new rate")
	assert.Equal(t, 9, remaining)
}

func mustInt(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}

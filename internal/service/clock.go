package service

import (
	"sync"
	"time"
)

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so reconnect scheduling can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// qrEntry is the last QR string seen for a session.
type qrEntry struct {
	code    string
	expires time.Time
}

// qrCache keeps the most recent QR per session for a short TTL.
type qrCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]qrEntry
}

func newQRCache(ttl time.Duration) *qrCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &qrCache{ttl: ttl, items: make(map[string]qrEntry)}
}

func (c *qrCache) set(id, code string, now time.Time) {
	c.mu.Lock()
	c.items[id] = qrEntry{code: code, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *qrCache) get(id string, now time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[id]
	if !ok {
		return ""
	}
	if !now.Before(e.expires) {
		delete(c.items, id)
		return ""
	}
	return e.code
}

func (c *qrCache) delete(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

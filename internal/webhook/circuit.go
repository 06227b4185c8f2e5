package webhook

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("webhook circuit is open")

type circuitState struct {
	failures  int
	openUntil time.Time
}

// Circuits tracks consecutive failed attempts per target URL. Once a URL
// reaches the threshold it is skipped until the open window elapses; the
// next failure after that reopens it, a success closes it.
type Circuits struct {
	mu        sync.Mutex
	targets   map[string]*circuitState
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

func NewCircuits(threshold int, openFor time.Duration, now func() time.Time) *Circuits {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Circuits{
		targets:   make(map[string]*circuitState),
		threshold: threshold,
		openFor:   openFor,
		now:       now,
	}
}

// Allow reports whether a delivery to url may be attempted.
func (c *Circuits) Allow(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.targets[url]
	return !ok || !c.now().Before(s.openUntil)
}

func (c *Circuits) Success(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, url)
}

// Failure records one failed attempt and reports whether the circuit opened.
func (c *Circuits) Failure(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.targets[url]
	if !ok {
		s = &circuitState{}
		c.targets[url] = s
	}
	s.failures++
	if s.failures >= c.threshold {
		s.openUntil = c.now().Add(c.openFor)
		return true
	}
	return false
}

// Failures is the current consecutive failure count for url.
func (c *Circuits) Failures(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.targets[url]; ok {
		return s.failures
	}
	return 0
}

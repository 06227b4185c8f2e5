package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/registry"
	"gowa-gateway/internal/webhook"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	events chan adapter.Event

	mu    sync.Mutex
	sent  []sentMessage
	ended bool
	once  sync.Once

	// onEnd runs inside End before the event channel closes.
	onEnd func()
}

type sentMessage struct {
	To      string
	Content adapter.Content
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan adapter.Event, 16)}
}

func (c *fakeConn) Events() <-chan adapter.Event { return c.events }

func (c *fakeConn) Send(_ context.Context, to string, content adapter.Content) (adapter.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return adapter.SendResult{}, adapter.ErrNotConnected
	}
	c.sent = append(c.sent, sentMessage{To: to, Content: content})
	return adapter.SendResult{ID: "MSG1", Timestamp: time.Unix(1_700_000_000, 0)}, nil
}

func (c *fakeConn) End() error {
	c.mu.Lock()
	c.ended = true
	hook := c.onEnd
	c.onEnd = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	c.once.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) emit(ev adapter.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.events <- ev
	}
}

func (c *fakeConn) OnEnd(f func()) {
	c.mu.Lock()
	c.onEnd = f
	c.mu.Unlock()
}

func (c *fakeConn) Sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeConn) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

type fakeConnector struct {
	mu        sync.Mutex
	conns     []*fakeConn
	materials []*credstore.Material
	failNext  error
}

func (f *fakeConnector) Connect(_ context.Context, opts adapter.ConnectOptions) (adapter.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	f.materials = append(f.materials, opts.Material)
	return c, nil
}

func (f *fakeConnector) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) Last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeConnector) LastMaterial() *credstore.Material {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.materials[len(f.materials)-1]
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the timers that have not been stopped or fired.
func (c *fakeClock) Pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// Fire runs a pending timer as if its delay elapsed.
func (c *fakeClock) Fire(t *fakeTimer) {
	c.mu.Lock()
	if t.stopped {
		c.mu.Unlock()
		return
	}
	t.stopped = true
	c.mu.Unlock()
	t.f()
}

type published struct {
	Room, Event string
	Data        any
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
}

func (b *fakeBus) Publish(room, event string, data any) {
	b.mu.Lock()
	b.events = append(b.events, published{room, event, data})
	b.mu.Unlock()
}

func (b *fakeBus) Events(name string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, e := range b.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeWebhooks struct {
	mu   sync.Mutex
	sent []webhook.Delivery
}

func (w *fakeWebhooks) Deliver(del webhook.Delivery) {
	w.mu.Lock()
	w.sent = append(w.sent, del)
	w.mu.Unlock()
}

func (w *fakeWebhooks) Events(name string) []webhook.Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []webhook.Delivery
	for _, d := range w.sent {
		if d.Event == name {
			out = append(out, d)
		}
	}
	return out
}

type harness struct {
	m         *Manager
	reg       *registry.Registry
	creds     *credstore.Store
	connector *fakeConnector
	clock     *fakeClock
	bus       *fakeBus
	webhooks  *fakeWebhooks
}

func newHarness(t *testing.T, opts Options, replier *AutoReplier) *harness {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(context.Background(), registry.NewFileBackend(filepath.Join(dir, "sessions.json")))
	require.NoError(t, err)

	h := &harness{
		reg:       reg,
		creds:     credstore.New(filepath.Join(dir, "credentials")),
		connector: &fakeConnector{},
		clock:     newFakeClock(),
		bus:       &fakeBus{},
		webhooks:  &fakeWebhooks{},
	}
	h.m = NewManager(opts, Deps{
		Registry:  reg,
		Creds:     h.creds,
		Connector: h.connector,
		Webhooks:  h.webhooks,
		Bus:       h.bus,
		Replier:   replier,
	}, WithClock(h.clock), WithRand(func() float64 { return 0.5 }), WithMediaFetcher(noFetch))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.m.Shutdown(ctx))
	})
	return h
}

func noFetch(context.Context, string) (*helper.Media, error) {
	return nil, errors.New("network disabled in tests")
}

func (h *harness) status(id string) model.Status {
	rt := h.m.runtime(id)
	if rt == nil {
		return model.StatusStopped
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

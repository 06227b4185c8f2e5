package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gowa-gateway/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingRunner struct {
	mu      sync.Mutex
	actions []Action
	err     error
}

func (r *recordingRunner) RunAction(_ context.Context, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return r.err
}

func newTestDispatcher(clk *fakeClock, sl *recordedSleep) *Dispatcher {
	return New(DefaultOptions(),
		WithClock(clk.now),
		WithSleep(sl.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
}

func TestDeliverRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	sl := &recordedSleep{}
	d := newTestDispatcher(clk, sl)

	// leave one failure on the counter to prove success clears it
	d.Circuits().Failure(srv.URL)

	res := d.DeliverSync(context.Background(), Delivery{
		Targets: []string{srv.URL},
		Secrets: []string{"k"},
		Event:   "message_received",
		Payload: map[string]any{"id": "m1"},
	})
	require.Len(t, res, 1)
	assert.True(t, res[0].Delivered)
	assert.Equal(t, 4, res[0].Attempts)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
	assert.Zero(t, d.Circuits().Failures(srv.URL))

	// 800ms, 1600ms, 3200ms plus 150ms jitter each
	assert.Equal(t, []time.Duration{950 * time.Millisecond, 1750 * time.Millisecond, 3350 * time.Millisecond}, sl.waits)
}

func TestDeliverSignsEnvelope(t *testing.T) {
	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{r.Header.Clone(), body}
	}))
	defer srv.Close()

	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_123)}
	d := newTestDispatcher(clk, &recordedSleep{})
	res := d.DeliverSync(context.Background(), Delivery{
		Targets: []string{srv.URL},
		Secrets: []string{"primary", "previous"},
		Event:   "session_open",
		Payload: map[string]any{"sessionId": "s1"},
		EventID: "evt-1",
	})
	require.True(t, res[0].Delivered)

	c := <-got
	assert.Equal(t, Sign(c.body, "primary"), c.header.Get(HeaderSignature))
	assert.Equal(t, "1700000000123", c.header.Get(HeaderTimestamp))
	assert.Equal(t, "session_open", c.header.Get(HeaderEvent))
	assert.Equal(t, "evt-1", c.header.Get(HeaderEventID))

	var env map[string]any
	require.NoError(t, json.Unmarshal(c.body, &env))
	assert.Equal(t, "session_open", env["event"])
	assert.Equal(t, float64(1_700_000_000_123), env["ts"])
	assert.Equal(t, map[string]any{"sessionId": "s1"}, env["data"])
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(&fakeClock{t: time.Now()}, &recordedSleep{})
	res := d.DeliverSync(context.Background(), Delivery{Targets: []string{srv.URL}, Event: "x"})
	assert.False(t, res[0].Delivered)
	assert.Equal(t, 1, res[0].Attempts)
	assert.Equal(t, http.StatusBadRequest, res[0].Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, d.Circuits().Failures(srv.URL))
}

func TestDeliverRetriesTooManyRequests(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}))
	defer srv.Close()

	d := newTestDispatcher(&fakeClock{t: time.Now()}, &recordedSleep{})
	res := d.DeliverSync(context.Background(), Delivery{Targets: []string{srv.URL}, Event: "x"})
	assert.True(t, res[0].Delivered)
	assert.Equal(t, 2, res[0].Attempts)
}

func TestCircuitOpensAfterFiveFailedAttempts(t *testing.T) {
	var calls int32
	fail := atomic.Bool{}
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := newTestDispatcher(clk, &recordedSleep{})
	del := Delivery{Targets: []string{srv.URL}, Event: "x"}

	// four attempts, one short of the threshold
	res := d.DeliverSync(context.Background(), del)
	require.False(t, res[0].Delivered)
	assert.Equal(t, 4, res[0].Attempts)
	assert.Equal(t, 4, d.Circuits().Failures(srv.URL))
	assert.True(t, d.Circuits().Allow(srv.URL))

	// the fifth POST opens the circuit and ends the retry loop
	res = d.DeliverSync(context.Background(), del)
	require.False(t, res[0].Skipped)
	assert.Equal(t, 1, res[0].Attempts)
	assert.Equal(t, 5, d.Circuits().Failures(srv.URL))
	assert.False(t, d.Circuits().Allow(srv.URL))
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))

	res = d.DeliverSync(context.Background(), del)
	assert.True(t, res[0].Skipped)
	assert.ErrorIs(t, res[0].Err, ErrCircuitOpen)
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))

	clk.advance(61 * time.Second)
	fail.Store(false)
	res = d.DeliverSync(context.Background(), del)
	assert.True(t, res[0].Delivered)
	assert.Zero(t, d.Circuits().Failures(srv.URL))
}

func TestTargetsAreIndependent(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer good.Close()

	d := newTestDispatcher(&fakeClock{t: time.Now()}, &recordedSleep{})
	res := d.DeliverSync(context.Background(), Delivery{Targets: []string{bad.URL, good.URL}, Event: "x"})
	assert.False(t, res[0].Delivered)
	assert.True(t, res[1].Delivered)
}

func TestResponseActionsAreRenderedAgainstPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"delayMs": 500,
			"actions": [
				{"type": "text", "to": "{{from}}", "text": "{{message.key.remoteJid}}"},
				{"type": "location", "to": "{{from}}", "lat": "1.25", "lng": 2},
				{"to": "missing-type"}
			]
		}`))
	}))
	defer srv.Close()

	sl := &recordedSleep{}
	d := newTestDispatcher(&fakeClock{t: time.Now()}, sl)
	runner := &recordingRunner{}
	payload := map[string]any{
		"from": "6281234@s.whatsapp.net",
		"message": map[string]any{
			"key": map[string]any{"remoteJid": "6281234@s.whatsapp.net"},
		},
	}
	res := d.DeliverSync(context.Background(), Delivery{
		Targets: []string{srv.URL},
		Event:   "message_received",
		Payload: payload,
		Actions: runner,
	})
	require.True(t, res[0].Delivered)

	require.Len(t, runner.actions, 2)
	assert.Equal(t, "text", runner.actions[0].Type)
	assert.Equal(t, "6281234@s.whatsapp.net", runner.actions[0].To)
	assert.Equal(t, "6281234@s.whatsapp.net", runner.actions[0].Text)
	assert.Equal(t, "location", runner.actions[1].Type)
	assert.InDelta(t, 1.25, float64(runner.actions[1].Lat), 1e-9)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sl.waits)
}

func TestActionFailureDoesNotStopLaterActions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[{"type":"text","to":"1"},{"type":"noop","to":"2"}]}`))
	}))
	defer srv.Close()

	runner := &recordingRunner{err: assert.AnError}
	d := newTestDispatcher(&fakeClock{t: time.Now()}, &recordedSleep{})
	d.DeliverSync(context.Background(), Delivery{Targets: []string{srv.URL}, Event: "x", Actions: runner})
	assert.Len(t, runner.actions, 2)
}

func TestActionsAreCountedOncePerResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"actions":[{"type":"text","to":"1"},{"type":"noop"},{"type":"text","to":"2"}]}`))
	}))
	defer srv.Close()

	textOK := metrics.WebhookActions.WithLabelValues("text", "ok")
	noopOK := metrics.WebhookActions.WithLabelValues("noop", "ok")
	noop := metrics.WebhookActions.WithLabelValues("noop", "noop")
	beforeText, beforeNoopOK, beforeNoop := testutil.ToFloat64(textOK), testutil.ToFloat64(noopOK), testutil.ToFloat64(noop)

	d := newTestDispatcher(&fakeClock{t: time.Now()}, &recordedSleep{})
	d.DeliverSync(context.Background(), Delivery{Targets: []string{srv.URL}, Event: "x", Actions: &recordingRunner{}})

	assert.Equal(t, 2.0, testutil.ToFloat64(textOK)-beforeText)
	assert.Equal(t, 1.0, testutil.ToFloat64(noop)-beforeNoop)
	assert.Zero(t, testutil.ToFloat64(noopOK)-beforeNoopOK)
}

func TestDeliverIsAsyncAndCloseWaits(t *testing.T) {
	release := make(chan struct{})
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		atomic.AddInt32(&delivered, 1)
	}))
	defer srv.Close()

	d := newTestDispatcher(&fakeClock{t: time.Now()}, &recordedSleep{})
	d.Deliver(Delivery{Targets: []string{srv.URL, srv.URL + "/second"}, Event: "x"})
	assert.Zero(t, atomic.LoadInt32(&delivered))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.EqualValues(t, 2, atomic.LoadInt32(&delivered))
}

func TestBackoffIsCapped(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBackoff = 2 * time.Second
	d := New(opts, WithRand(func() float64 { return 0 }))
	assert.Equal(t, 800*time.Millisecond, d.backoff(1))
	assert.Equal(t, 1600*time.Millisecond, d.backoff(2))
	assert.Equal(t, 2*time.Second, d.backoff(3))
	assert.Equal(t, 2*time.Second, d.backoff(10))
}

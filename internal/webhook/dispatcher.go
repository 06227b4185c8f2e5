package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gowa-gateway/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderEventID   = "X-Event-Id"

	maxResponseBody = 1 << 20
)

type Options struct {
	Timeout     time.Duration
	Retries     int
	Backoff     time.Duration
	Jitter      time.Duration
	MaxBackoff  time.Duration
	ActionDelay time.Duration

	CircuitThreshold int
	CircuitOpen      time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:          10 * time.Second,
		Retries:          3,
		Backoff:          800 * time.Millisecond,
		Jitter:           300 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		ActionDelay:      1200 * time.Millisecond,
		CircuitThreshold: 5,
		CircuitOpen:      time.Minute,
	}
}

// Envelope is the JSON body POSTed to every target.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	TS    int64  `json:"ts"`
}

// Delivery describes one event fanned out to one or more targets.
type Delivery struct {
	Targets []string
	Secrets []string // first one signs, the rest are accepted by receivers during rotation
	Event   string
	Payload any
	EventID string

	// Actions receives callback actions from the response. Nil disables them.
	Actions ActionRunner
}

// Result is the outcome for one target.
type Result struct {
	Target    string
	Delivered bool
	Skipped   bool
	Attempts  int
	Status    int
	Err       error
}

// Dispatcher delivers webhook events in the background. Failures are only
// logged; nothing is returned to the code that raised the event.
type Dispatcher struct {
	client   *http.Client
	opts     Options
	circuits *Circuits
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep replaces the backoff and inter-action wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func WithRand(randf func() float64) Option {
	return func(d *Dispatcher) { d.randf = randf }
}

func New(opts Options, options ...Option) *Dispatcher {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.ActionDelay < 0 {
		opts.ActionDelay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:   opts,
		logger: zerolog.Nop(),
		now:    time.Now,
		sleep:  sleepCtx,
		randf:  rand.Float64,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range options {
		o(d)
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: opts.Timeout}
	}
	d.circuits = NewCircuits(opts.CircuitThreshold, opts.CircuitOpen, d.now)
	return d
}

// Circuits exposes the per-target failure tracker.
func (d *Dispatcher) Circuits() *Circuits { return d.circuits }

// Deliver fans del out to its targets in background goroutines and returns
// immediately.
func (d *Dispatcher) Deliver(del Delivery) {
	if len(del.Targets) == 0 {
		return
	}
	prepared, err := d.prepare(del)
	if err != nil {
		d.logger.Error().Err(err).Str("event", del.Event).Msg("webhook payload encode failed")
		return
	}
	for _, target := range del.Targets {
		d.wg.Add(1)
		go func(target string) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error().Interface("panic", r).Str("target", target).Msg("webhook delivery panicked")
				}
			}()
			d.deliverOne(d.ctx, prepared, target)
		}(target)
	}
}

// DeliverSync delivers to every target concurrently and waits for all of them.
func (d *Dispatcher) DeliverSync(ctx context.Context, del Delivery) []Result {
	prepared, err := d.prepare(del)
	if err != nil {
		out := make([]Result, len(del.Targets))
		for i, t := range del.Targets {
			out[i] = Result{Target: t, Err: err}
		}
		return out
	}
	out := make([]Result, len(del.Targets))
	var wg sync.WaitGroup
	for i, target := range del.Targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			out[i] = d.deliverOne(ctx, prepared, target)
		}(i, target)
	}
	wg.Wait()
	return out
}

// Close waits for in-flight deliveries. When ctx ends first the remaining
// ones are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

type prepared struct {
	Delivery
	body      []byte
	ts        int64
	signature string
	template  map[string]any
}

func (d *Dispatcher) prepare(del Delivery) (*prepared, error) {
	env := Envelope{Event: del.Event, Data: del.Payload, TS: d.now().UnixMilli()}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if del.EventID == "" {
		del.EventID = uuid.NewString()
	}
	secret := ""
	if len(del.Secrets) > 0 {
		secret = del.Secrets[0]
	}
	p := &prepared{
		Delivery:  del,
		body:      body,
		ts:        env.TS,
		signature: Sign(body, secret),
	}
	if del.Actions != nil {
		p.template = templateContext(env)
	}
	return p, nil
}

// templateContext is the envelope with the payload's own fields merged on top.
func templateContext(env Envelope) map[string]any {
	ctx := toMap(env)
	if ctx == nil {
		ctx = map[string]any{}
	}
	for k, v := range toMap(env.Data) {
		ctx[k] = v
	}
	return ctx
}

// Sign is the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return "webhook responded " + strconv.Itoa(e.code) }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// anything else is a transport error
	return true
}

func (d *Dispatcher) deliverOne(ctx context.Context, p *prepared, target string) Result {
	res := Result{Target: target}
	logger := d.logger.With().Str("target", target).Str("event", p.Event).Logger()

	if !d.circuits.Allow(target) {
		res.Skipped = true
		res.Err = ErrCircuitOpen
		metrics.WebhookDeliveries.WithLabelValues("circuit_open").Inc()
		logger.Warn().Msg("webhook circuit open, skip")
		return res
	}

	var resp []byte
	for attempt := 1; attempt <= d.opts.Retries+1; attempt++ {
		res.Attempts = attempt
		metrics.WebhookAttempts.Inc()

		var status int
		status, resp, res.Err = d.post(ctx, p, target)
		res.Status = status
		if res.Err == nil {
			res.Delivered = true
			break
		}

		logger.Warn().Err(res.Err).Int("attempt", attempt).Int("code", status).Msg("webhook deliver failed")
		if d.circuits.Failure(target) {
			metrics.WebhookCircuitOpens.Inc()
			logger.Warn().Int("attempt", attempt).Msg("webhook circuit opened")
			break
		}
		if !retryable(res.Err) || attempt > d.opts.Retries {
			break
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			res.Err = err
			break
		}
	}

	if !res.Delivered {
		result := "failed"
		if !retryable(res.Err) {
			result = "rejected"
		}
		metrics.WebhookDeliveries.WithLabelValues(result).Inc()
		logger.Warn().Err(res.Err).Int("attempts", res.Attempts).Msg("webhook permanently failed")
		return res
	}

	d.circuits.Success(target)
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	logger.Debug().Int("attempts", res.Attempts).Int("code", res.Status).Msg("webhook delivered")

	if p.Actions != nil {
		d.runActions(ctx, p, resp, logger)
	}
	return res
}

func (d *Dispatcher) post(ctx context.Context, p *prepared, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(p.body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, p.signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.ts, 10))
	req.Header.Set(HeaderEvent, p.Event)
	req.Header.Set(HeaderEventID, p.EventID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, &statusError{code: resp.StatusCode}
	}
	return resp.StatusCode, body, nil
}

// backoff is Backoff*2^(attempt-1) plus up to Jitter, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt-1))
	wait := time.Duration(float64(d.opts.Backoff) * exp)
	if d.opts.Jitter > 0 {
		wait += time.Duration(d.randf() * float64(d.opts.Jitter))
	}
	if wait > d.opts.MaxBackoff {
		wait = d.opts.MaxBackoff
	}
	return wait
}

func (d *Dispatcher) runActions(ctx context.Context, p *prepared, body []byte, logger zerolog.Logger) {
	if len(bytes.TrimSpace(body)) == 0 {
		return
	}
	var ar actionResponse
	if err := json.Unmarshal(body, &ar); err != nil || len(ar.Actions) == 0 {
		return
	}

	delay := d.opts.ActionDelay
	if ar.DelayMs > 0 {
		delay = time.Duration(float64(ar.DelayMs) * float64(time.Millisecond))
	}
	tctx := p.template

	for i, raw := range ar.Actions {
		if i > 0 && delay > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				return
			}
		}
		action, err := decodeAction(raw, tctx)
		if err != nil {
			metrics.WebhookActions.WithLabelValues("invalid", "error").Inc()
			logger.Warn().Err(err).Int("index", i).Msg("webhook action invalid")
			continue
		}
		if err := p.Actions.RunAction(ctx, action); err != nil {
			metrics.WebhookActions.WithLabelValues(action.Type, "error").Inc()
			logger.Warn().Err(err).Str("type", action.Type).Str("to", action.To).Msg("webhook action failed")
			continue
		}
		result := "ok"
		if action.Type == "noop" {
			result = "noop"
		}
		metrics.WebhookActions.WithLabelValues(action.Type, result).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SplitList splits a comma separated target or secret list.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

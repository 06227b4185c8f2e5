package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"gowa-gateway/config"
	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/metrics"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/queue"
	"gowa-gateway/internal/registry"
	"gowa-gateway/internal/webhook"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("forbidden")
	ErrNotConnected    = adapter.ErrNotConnected
	ErrInvalidID       = registry.ErrInvalidID
	ErrShuttingDown    = errors.New("manager is shutting down")
)

// Publisher fans live events out to subscribers of a room (the session id).
type Publisher interface {
	Publish(room, event string, data any)
}

// WebhookSender accepts fire-and-forget webhook deliveries.
type WebhookSender interface {
	Deliver(del webhook.Delivery)
}

type Options struct {
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectMaxExp  int
	QRTTL            time.Duration
	RelaunchOnLogout bool
	Proxy            string

	DefaultWebhookURL    string
	DefaultWebhookSecret string
}

func DefaultOptions() Options {
	return Options{
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		ReconnectMaxExp:  5,
		QRTTL:            60 * time.Second,
		RelaunchOnLogout: true,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReconnectBase:        cfg.Session.ReconnectBase,
		ReconnectMax:         cfg.Session.ReconnectMax,
		ReconnectMaxExp:      cfg.Session.ReconnectMaxExp,
		QRTTL:                cfg.Session.QRTTL,
		RelaunchOnLogout:     cfg.Session.RelaunchOnLogout,
		Proxy:                cfg.Session.HTTPSProxy,
		DefaultWebhookURL:    cfg.Webhook.DefaultURL,
		DefaultWebhookSecret: cfg.Webhook.DefaultSecret,
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Registry  *registry.Registry
	Creds     *credstore.Store
	Connector adapter.Connector
	Webhooks  WebhookSender
	Bus       Publisher
	Replier   *AutoReplier // nil disables auto-reply
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithRand(randf func() float64) Option {
	return func(m *Manager) { m.randf = randf }
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

func WithMediaFetcher(f MediaFetcher) Option {
	return func(m *Manager) { m.fetch = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns every live session runtime: creation, the connection state
// machine, reconnects, logout handling and teardown.
type Manager struct {
	opts      Options
	registry  *registry.Registry
	creds     *credstore.Store
	connector adapter.Connector
	webhooks  WebhookSender
	bus       Publisher
	replier   *AutoReplier

	clock  Clock
	randf  func() float64
	newID  func() string
	fetch  MediaFetcher
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	live     map[string]*runtime
	closing  bool
	qr       *qrCache
	defaults struct {
		sync.RWMutex
		url, secret string
	}
}

func NewManager(opts Options, deps Deps, options ...Option) *Manager {
	def := DefaultOptions()
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = def.ReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ReconnectMaxExp <= 0 {
		opts.ReconnectMaxExp = def.ReconnectMaxExp
	}
	if opts.QRTTL <= 0 {
		opts.QRTTL = def.QRTTL
	}

	m := &Manager{
		opts:      opts,
		registry:  deps.Registry,
		creds:     deps.Creds,
		connector: deps.Connector,
		webhooks:  deps.Webhooks,
		bus:       deps.Bus,
		replier:   deps.Replier,
		clock:     realClock{},
		randf:     rand.Float64,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		fetch:     helper.FetchMedia,
		logger:    zerolog.Nop(),
		live:      make(map[string]*runtime),
	}
	for _, o := range options {
		o(m)
	}
	m.qr = newQRCache(opts.QRTTL)
	m.defaults.url = opts.DefaultWebhookURL
	m.defaults.secret = opts.DefaultWebhookSecret
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// SetDefaultWebhook changes the target used by sessions without their own URL.
func (m *Manager) SetDefaultWebhook(url, secret string) {
	m.defaults.Lock()
	m.defaults.url, m.defaults.secret = url, secret
	m.defaults.Unlock()
}

func (m *Manager) DefaultWebhook() (url, secret string) {
	m.defaults.RLock()
	defer m.defaults.RUnlock()
	return m.defaults.url, m.defaults.secret
}

// spawn runs a background unit under the manager's supervision. Panics are
// logged and swallowed so one session cannot take the process down.
func (m *Manager) spawn(name, sessionID string, fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("unit", name).
					Str("session_id", sessionID).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("background unit panicked")
			}
		}()
		fn(m.ctx)
	}()
}

// ReconnectBackoff is the un-jittered delay before reconnect attempt n (1-based).
func (m *Manager) ReconnectBackoff(attempt int) time.Duration {
	exp := attempt
	if exp > m.opts.ReconnectMaxExp {
		exp = m.opts.ReconnectMaxExp
	}
	if exp < 0 {
		exp = 0
	}
	d := time.Duration(float64(m.opts.ReconnectBase) * math.Pow(2, float64(exp)))
	if d > m.opts.ReconnectMax {
		d = m.opts.ReconnectMax
	}
	return d
}

// ReconnectDelay applies a 0.8x to 1.2x jitter to ReconnectBackoff.
func (m *Manager) ReconnectDelay(attempt int) time.Duration {
	base := m.ReconnectBackoff(attempt)
	return time.Duration(float64(base) * (0.8 + m.randf()*0.4))
}

// CreateRequest is the input to CreateSession. Nil pointers keep stored values.
type CreateRequest struct {
	ID            string
	Label         *string
	AutoStart     *bool
	WebhookURL    string
	WebhookSecret string
}

// CreateSession persists the session metadata and starts its runtime. It is
// idempotent: an id that already has a live runtime returns that runtime.
func (m *Manager) CreateSession(ctx context.Context, actor model.Actor, req CreateRequest) (model.SessionView, error) {
	id := req.ID
	if id == "" {
		id = m.newID()
	}
	if !registry.ValidID(id) {
		return model.SessionView{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if meta, ok := m.registry.Get(id); ok && !actor.CanAccess(meta.OwnerID) {
		return model.SessionView{}, ErrForbidden
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return model.SessionView{}, ErrShuttingDown
	}
	if rt, ok := m.live[id]; ok {
		m.mu.Unlock()
		return m.view(id, rt), nil
	}
	rt := newRuntime(id, m.logger)
	m.live[id] = rt
	m.mu.Unlock()
	metrics.LiveSessions.Inc()

	patch := model.SessionPatch{ID: id, Label: req.Label, AutoStart: req.AutoStart}
	if req.WebhookURL != "" {
		patch.WebhookURL = &req.WebhookURL
	}
	if req.WebhookSecret != "" {
		patch.WebhookSecret = &req.WebhookSecret
	}
	if !actor.IsAdmin() && actor.OwnerID != "" {
		patch.OwnerID = &actor.OwnerID
	}
	meta, err := m.registry.Upsert(ctx, patch)
	if err != nil {
		m.discard(id, rt)
		return model.SessionView{}, err
	}

	if _, err := m.connect(ctx, rt, false); err != nil {
		m.discard(id, rt)
		return model.SessionView{}, err
	}
	rt.logger.Info().Str("label", meta.Label).Msg("session created")
	return m.view(id, rt), nil
}

// discard drops a runtime that never got a connection.
func (m *Manager) discard(id string, rt *runtime) {
	m.mu.Lock()
	if m.live[id] == rt {
		delete(m.live, id)
		metrics.LiveSessions.Dec()
	}
	m.mu.Unlock()
	rt.mu.Lock()
	rt.stopped = true
	rt.mu.Unlock()
	rt.queue.Close()
}

type credentialError struct{ err error }

func (e *credentialError) Error() string { return "load credentials: " + e.err.Error() }
func (e *credentialError) Unwrap() error { return e.err }

// connect opens a new connection for rt. Credential failures are returned;
// connector failures are treated as a transient close and scheduled for
// reconnect unless failFast is set.
func (m *Manager) connect(ctx context.Context, rt *runtime, failFast bool) (uint64, error) {
	material, err := m.creds.Load(ctx, rt.id)
	if err != nil {
		return 0, &credentialError{err: err}
	}

	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return 0, nil
	}
	rt.gen++
	gen := rt.gen
	rt.setStatus(model.StatusStarting)
	rt.mu.Unlock()

	conn, err := m.connector.Connect(m.ctx, adapter.ConnectOptions{
		SessionID: rt.id,
		Material:  material,
		Logger:    rt.logger,
		Proxy:     m.opts.Proxy,
	})
	if err != nil {
		if failFast {
			return gen, err
		}
		rt.logger.Warn().Err(err).Msg("connect failed")
		m.scheduleReconnect(rt, gen, &adapter.CloseReason{Code: adapter.CodeConnectFailed, Err: err})
		return gen, nil
	}

	rt.mu.Lock()
	if rt.stopped || rt.gen != gen {
		rt.mu.Unlock()
		_ = conn.End()
		return gen, nil
	}
	rt.conn = conn
	rt.mu.Unlock()

	m.spawn("event-pump", rt.id, func(context.Context) { m.pump(rt, gen, conn) })
	return gen, nil
}

func (m *Manager) pump(rt *runtime, gen uint64, conn adapter.Conn) {
	for ev := range conn.Events() {
		m.handleEvent(rt, gen, conn, ev)
	}
}

// current reports whether gen is still the active connection of rt.
func (rt *runtime) current(gen uint64) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return !rt.stopped && rt.gen == gen
}

func (m *Manager) handleEvent(rt *runtime, gen uint64, conn adapter.Conn, ev adapter.Event) {
	if !rt.current(gen) {
		return
	}
	switch ev.Kind {
	case adapter.EventQR:
		m.qr.set(rt.id, ev.QR, m.clock.Now())
		m.publish(rt.id, "qr", map[string]any{"id": rt.id, "qr": ev.QR})
		rt.logger.Info().Msg("qr code received")

	case adapter.EventCreds:
		if err := m.creds.Save(rt.id, ev.Creds); err != nil {
			rt.logger.Error().Err(err).Msg("failed to save credentials")
		}

	case adapter.EventOpen:
		rt.mu.Lock()
		rt.setStatus(model.StatusOpen)
		rt.attempts = 0
		rt.me = ev.Me
		if ev.Me != nil {
			rt.pushName = ev.Me.Name
		}
		rt.lastConnectedAt = m.clock.Now()
		rt.mu.Unlock()
		m.qr.delete(rt.id)

		payload := map[string]any{"id": rt.id, "me": ev.Me}
		m.publish(rt.id, "ready", payload)
		m.notify(rt, "session_open", payload, nil)

	case adapter.EventMessage:
		m.onMessage(rt, ev.Message)

	case adapter.EventClose:
		reason := ev.Close
		if reason == nil {
			reason = &adapter.CloseReason{Code: adapter.CodeConnectionClosed}
		}
		_ = conn.End()
		rt.mu.Lock()
		if rt.conn == conn {
			rt.conn = nil
		}
		rt.mu.Unlock()

		if reason.LoggedOut {
			m.onLoggedOut(rt, gen, reason)
			return
		}
		m.scheduleReconnect(rt, gen, reason)
	}
}

func (m *Manager) onMessage(rt *runtime, msg *adapter.InboundMessage) {
	if msg == nil || msg.Key.FromMe {
		return
	}
	if isIgnorable(msg.Key.RemoteJID) {
		return
	}
	metrics.InboundMessages.Inc()
	m.notify(rt, "message_received", map[string]any{"id": rt.id, "message": msg}, &sessionActions{m: m, rt: rt})

	if m.replier != nil {
		m.spawn("auto-reply", rt.id, func(ctx context.Context) { m.replier.Handle(ctx, m.sender(rt), msg) })
	}
}

func (m *Manager) scheduleReconnect(rt *runtime, gen uint64, reason *adapter.CloseReason) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped || rt.gen != gen {
		return
	}
	rt.setStatus(model.StatusReconnecting)
	rt.attempts++
	delay := m.ReconnectDelay(rt.attempts)
	if rt.timer != nil {
		rt.timer.Stop()
	}
	attempt := rt.attempts
	rt.timer = m.clock.AfterFunc(delay, func() {
		m.spawn("reconnect", rt.id, func(ctx context.Context) { m.reconnect(ctx, rt, gen) })
	})
	metrics.ReconnectsScheduled.Inc()

	ev := rt.logger.Warn().Int("code", reason.Code).Int("attempt", attempt).Dur("delay", delay)
	if reason.Err != nil {
		ev = ev.Err(reason.Err)
	}
	ev.Msg("connection closed, reconnect scheduled")
}

func (m *Manager) reconnect(ctx context.Context, rt *runtime, gen uint64) {
	rt.mu.Lock()
	if rt.stopped || rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.timer = nil
	rt.mu.Unlock()

	if _, err := m.connect(ctx, rt, false); err != nil {
		rt.logger.Error().Err(err).Msg("reconnect failed")
	}
}

func (m *Manager) onLoggedOut(rt *runtime, gen uint64, reason *adapter.CloseReason) {
	rt.mu.Lock()
	if rt.stopped || rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	rt.setStatus(model.StatusLoggedOut)
	rt.me = nil
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	rt.mu.Unlock()
	m.qr.delete(rt.id)

	m.publish(rt.id, "closed", map[string]any{"id": rt.id, "reason": reason.Code})
	rt.logger.Warn().Int("code", reason.Code).Msg("session logged out")

	m.spawn("relaunch", rt.id, func(ctx context.Context) {
		if err := m.creds.Purge(rt.id); err != nil {
			rt.logger.Error().Err(err).Msg("failed to purge credentials after logout")
		}
		if !m.opts.RelaunchOnLogout || !rt.current(gen) {
			return
		}
		rt.mu.Lock()
		rt.attempts = 0
		rt.mu.Unlock()
		if _, err := m.connect(ctx, rt, false); err != nil {
			rt.logger.Error().Err(err).Msg("relaunch after logout failed")
		}
	})
}

// RestartSession tears down the current connection of a live session and
// opens a fresh one, or starts the runtime when the session is only persisted.
func (m *Manager) RestartSession(ctx context.Context, actor model.Actor, id string) (model.SessionView, error) {
	meta, err := m.Authorize(actor, id)
	if err != nil {
		return model.SessionView{}, err
	}
	m.mu.Lock()
	rt, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return m.CreateSession(ctx, actor, CreateRequest{ID: meta.ID})
	}

	rt.mu.Lock()
	rt.gen++
	conn := rt.conn
	rt.conn = nil
	rt.attempts = 0
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	rt.mu.Unlock()
	if conn != nil {
		_ = conn.End()
	}
	if _, err := m.connect(ctx, rt, false); err != nil {
		return model.SessionView{}, err
	}
	return m.view(id, rt), nil
}

// StopRuntime ends the live connection and forgets the runtime. Credentials
// and metadata stay. Returns false when no runtime was live.
func (m *Manager) StopRuntime(id string) bool {
	m.mu.Lock()
	rt, ok := m.live[id]
	if ok {
		delete(m.live, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	metrics.LiveSessions.Dec()

	rt.mu.Lock()
	rt.stopped = true
	rt.gen++
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.setStatus(model.StatusStopped)
	rt.mu.Unlock()

	rt.queue.Close()
	if conn != nil {
		if err := conn.End(); err != nil {
			rt.logger.Warn().Err(err).Msg("error ending connection")
		}
	}
	m.qr.delete(id)
	rt.logger.Info().Msg("runtime stopped")
	return true
}

// PurgeCredentials deletes the session's credential directory.
func (m *Manager) PurgeCredentials(id string) error {
	return m.creds.Purge(id)
}

// RemoveMeta forgets the persisted metadata of a session.
func (m *Manager) RemoveMeta(ctx context.Context, id string) {
	m.registry.Remove(ctx, id)
}

// DeleteMode selects which parts of a session DeleteSession removes.
type DeleteMode string

const (
	DeleteRuntime DeleteMode = "runtime"
	DeleteCreds   DeleteMode = "creds"
	DeleteMeta    DeleteMode = "meta"
	DeleteAll     DeleteMode = "all"
)

func ParseDeleteMode(s string) (DeleteMode, bool) {
	switch DeleteMode(s) {
	case "":
		return DeleteRuntime, true
	case DeleteRuntime, DeleteCreds, DeleteMeta, DeleteAll:
		return DeleteMode(s), true
	}
	return "", false
}

// DeleteSteps reports what each step of a delete did.
type DeleteSteps struct {
	Runtime *bool `json:"runtime,omitempty"`
	Creds   *bool `json:"creds,omitempty"`
	Meta    *bool `json:"meta,omitempty"`
}

func (m *Manager) DeleteSession(ctx context.Context, actor model.Actor, id string, mode DeleteMode) (DeleteSteps, error) {
	var steps DeleteSteps
	if _, err := m.Authorize(actor, id); err != nil {
		return steps, err
	}
	if mode == DeleteRuntime || mode == DeleteAll {
		stopped := m.StopRuntime(id)
		steps.Runtime = &stopped
	}
	if mode == DeleteCreds || mode == DeleteAll {
		if err := m.PurgeCredentials(id); err != nil {
			return steps, fmt.Errorf("purge credentials: %w", err)
		}
		ok := true
		steps.Creds = &ok
	}
	if mode == DeleteMeta || mode == DeleteAll {
		m.RemoveMeta(ctx, id)
		ok := true
		steps.Meta = &ok
	}
	return steps, nil
}

// Authorize resolves id to its metadata and checks actor may act on it.
// A live runtime without metadata is visible to admins only.
func (m *Manager) Authorize(actor model.Actor, id string) (model.SessionMeta, error) {
	meta, ok := m.registry.Get(id)
	if !ok {
		m.mu.Lock()
		_, live := m.live[id]
		m.mu.Unlock()
		if live && actor.IsAdmin() {
			return model.SessionMeta{ID: id, Label: id, AutoStart: true}, nil
		}
		return model.SessionMeta{}, ErrSessionNotFound
	}
	if !actor.CanAccess(meta.OwnerID) {
		return model.SessionMeta{}, ErrForbidden
	}
	return meta, nil
}

// ListSessions merges persisted metadata with live runtimes, ordered by
// creation time. Sessions without a runtime report status stopped.
func (m *Manager) ListSessions(actor model.Actor) []model.SessionView {
	metas := m.registry.List()
	seen := make(map[string]bool, len(metas))
	out := make([]model.SessionView, 0, len(metas))

	for _, meta := range metas {
		if !actor.CanAccess(meta.OwnerID) {
			continue
		}
		seen[meta.ID] = true
		out = append(out, m.merge(meta, m.runtime(meta.ID)))
	}

	if actor.IsAdmin() {
		m.mu.Lock()
		var orphans []*runtime
		for id, rt := range m.live {
			if !seen[id] {
				orphans = append(orphans, rt)
			}
		}
		m.mu.Unlock()
		for _, rt := range orphans {
			out = append(out, m.merge(model.SessionMeta{ID: rt.id, Label: rt.id, AutoStart: true}, rt))
		}
	}
	return out
}

// GetSession returns the merged view of one session, including its current QR.
func (m *Manager) GetSession(actor model.Actor, id string) (model.SessionView, error) {
	meta, err := m.Authorize(actor, id)
	if err != nil {
		return model.SessionView{}, err
	}
	v := m.merge(meta, m.runtime(id))
	v.QR = m.GetQR(id)
	return v, nil
}

// GetQR returns the cached QR string, or "" when none is current.
func (m *Manager) GetQR(id string) string {
	return m.qr.get(id, m.clock.Now())
}

func (m *Manager) runtime(id string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

func (m *Manager) view(id string, rt *runtime) model.SessionView {
	meta, ok := m.registry.Get(id)
	if !ok {
		meta = model.SessionMeta{ID: id, Label: id, AutoStart: true}
	}
	return m.merge(meta, rt)
}

func (m *Manager) merge(meta model.SessionMeta, rt *runtime) model.SessionView {
	v := model.SessionView{
		ID:         meta.ID,
		Label:      meta.Label,
		Status:     model.StatusStopped,
		AutoStart:  meta.AutoStart,
		WebhookURL: meta.WebhookURL,
		OwnerID:    meta.OwnerID,
		CreatedAt:  model.UnixMilli(meta.CreatedAt),
	}
	if v.Label == "" {
		v.Label = meta.ID
	}
	if rt == nil {
		return v
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	v.Status = rt.status
	v.Me = rt.me
	v.PushName = rt.pushName
	v.LastConnectedAt = model.UnixMilli(rt.lastConnectedAt)
	v.Attempts = rt.attempts
	return v
}

// Health summarises live runtimes by status.
type Health struct {
	Live     int                  `json:"live"`
	ByStatus map[model.Status]int `json:"byStatus"`
	Queued   int                  `json:"queued"`
}

func (m *Manager) Health() Health {
	m.mu.Lock()
	rts := make([]*runtime, 0, len(m.live))
	for _, rt := range m.live {
		rts = append(rts, rt)
	}
	m.mu.Unlock()

	h := Health{Live: len(rts), ByStatus: make(map[model.Status]int)}
	for _, rt := range rts {
		rt.mu.Lock()
		h.ByStatus[rt.status]++
		rt.mu.Unlock()
		h.Queued += rt.queue.Len()
	}
	return h
}

// BootstrapAll starts every persisted session with autoStart set. Failures
// are logged per session and never stop the loop.
func (m *Manager) BootstrapAll(ctx context.Context) int {
	started := 0
	for _, meta := range m.registry.List() {
		if !meta.AutoStart {
			continue
		}
		if _, err := m.CreateSession(ctx, model.AdminActor, CreateRequest{ID: meta.ID}); err != nil {
			m.logger.Error().Err(err).Str("session_id", meta.ID).Msg("bootstrap: create failed")
			continue
		}
		started++
	}
	m.logger.Info().Int("started", started).Msg("bootstrap finished")
	return started
}

// Shutdown stops every runtime and waits for background units to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopRuntime(id)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(room, event string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(room, event, data)
}

// notify posts event to the session's webhook targets, or the default ones.
func (m *Manager) notify(rt *runtime, event string, payload any, actions webhook.ActionRunner) {
	if m.webhooks == nil {
		return
	}
	urls, secrets := m.webhookTargets(rt.id)
	targets := webhook.SplitList(urls)
	if len(targets) == 0 {
		return
	}
	m.webhooks.Deliver(webhook.Delivery{
		Targets: targets,
		Secrets: webhook.SplitList(secrets),
		Event:   event,
		Payload: payload,
		EventID: uuid.NewString(),
		Actions: actions,
	})
}

func (m *Manager) webhookTargets(id string) (string, string) {
	if meta, ok := m.registry.Get(id); ok && meta.WebhookURL != "" {
		return meta.WebhookURL, meta.WebhookSecret
	}
	return m.DefaultWebhook()
}

// ConfigureWebhook replaces the webhook target of a session.
func (m *Manager) ConfigureWebhook(ctx context.Context, actor model.Actor, id, url, secret string) (model.SessionView, error) {
	if _, err := m.Authorize(actor, id); err != nil {
		return model.SessionView{}, err
	}
	if _, err := m.registry.Upsert(ctx, model.SessionPatch{ID: id, WebhookURL: &url, WebhookSecret: &secret}); err != nil {
		return model.SessionView{}, err
	}
	return m.view(id, m.runtime(id)), nil
}

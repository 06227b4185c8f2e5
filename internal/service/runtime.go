package service

import (
	"context"
	"sync"
	"time"

	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/metrics"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/queue"

	"github.com/rs/zerolog"
)

// runtime is the live state of one session. Fields below mu are guarded by it.
type runtime struct {
	id     string
	logger zerolog.Logger
	queue  *queue.Queue

	mu              sync.Mutex
	status          model.Status
	me              *model.Identity
	pushName        string
	lastConnectedAt time.Time
	attempts        int
	conn            adapter.Conn
	gen             uint64 // bumped on every connect and on stop
	timer           Timer
	stopped         bool
}

func newRuntime(id string, base zerolog.Logger) *runtime {
	return &runtime{
		id:     id,
		logger: base.With().Str("session_id", id).Logger(),
		queue:  queue.New(context.Background()),
		status: model.StatusStarting,
	}
}

// setStatus must be called with rt.mu held.
func (rt *runtime) setStatus(s model.Status) {
	if rt.status == s {
		return
	}
	rt.logger.Debug().Str("from", string(rt.status)).Str("to", string(s)).Msg("status changed")
	rt.status = s
	metrics.SessionTransitions.WithLabelValues(string(s)).Inc()
}

func isIgnorable(jid string) bool {
	return helper.IsIgnorableJID(jid)
}

// Send enqueues content for delivery through the session's outbound queue
// and waits for the result.
func (m *Manager) Send(ctx context.Context, actor model.Actor, id, to string, content adapter.Content) (adapter.SendResult, error) {
	if _, err := m.Authorize(actor, id); err != nil {
		return adapter.SendResult{}, err
	}
	rt := m.runtime(id)
	if rt == nil {
		return adapter.SendResult{}, ErrNotConnected
	}
	return m.sender(rt)(ctx, to, content)
}

// sendFunc delivers one message through a session queue.
type sendFunc func(ctx context.Context, to string, content adapter.Content) (adapter.SendResult, error)

func (m *Manager) sender(rt *runtime) sendFunc {
	return func(ctx context.Context, to string, content adapter.Content) (adapter.SendResult, error) {
		res, err := queue.Do(ctx, rt.queue, func(ctx context.Context) (adapter.SendResult, error) {
			rt.mu.Lock()
			conn, status := rt.conn, rt.status
			rt.mu.Unlock()
			if conn == nil || status != model.StatusOpen {
				return adapter.SendResult{}, ErrNotConnected
			}
			return conn.Send(ctx, to, content)
		})
		result := "ok"
		if err != nil {
			result = "error"
			rt.logger.Warn().Err(err).Str("kind", string(content.Kind)).Msg("send failed")
		}
		metrics.OutboundSends.WithLabelValues(string(content.Kind), result).Inc()
		return res, err
	}
}

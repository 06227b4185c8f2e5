package handler

import (
	"net/http"
	"time"

	"gowa-gateway/internal/model"

	"github.com/labstack/echo/v4"
)

// SessionHealth is the per-session line of /health.
type SessionHealth struct {
	ID       string          `json:"id"`
	Status   model.Status    `json:"status"`
	Me       *model.Identity `json:"me"`
	PushName string          `json:"pushName,omitempty"`
	LastConn int64           `json:"lastConn,omitempty"`
	QR       bool            `json:"qr"`
}

// deriveStatus is degraded when any session is closed or still starting.
func deriveStatus(items []model.SessionView) (status, reason string) {
	if len(items) == 0 {
		return "ok", "no-sessions"
	}
	anyClosed, anyStarting := false, false
	for _, s := range items {
		switch s.Status {
		case model.StatusLoggedOut, model.StatusReconnecting:
			anyClosed = true
		case model.StatusStarting:
			anyStarting = true
		}
	}
	switch {
	case anyClosed:
		return "degraded", "some-closed"
	case anyStarting:
		return "degraded", "starting"
	}
	return "ok", "all-open-or-idle"
}

// GET /health
func (h *Handler) Health(c echo.Context) error {
	items := h.mgr.ListSessions(model.AdminActor)
	status, reason := deriveStatus(items)

	sessions := make([]SessionHealth, 0, len(items))
	for _, s := range items {
		sessions = append(sessions, SessionHealth{
			ID:       s.ID,
			Status:   s.Status,
			Me:       s.Me,
			PushName: s.PushName,
			LastConn: s.LastConnectedAt,
			QR:       h.mgr.GetQR(s.ID) != "",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      status,
		"reason":      reason,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptimeSec":   int64(time.Since(h.started).Seconds()),
		"runtime":     h.mgr.Health(),
		"subscribers": h.hub.Count(),
		"sessions":    sessions,
	})
}

// GET /health/live
func (h *Handler) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"live": true})
}

// GET /health/ready
func (h *Handler) Ready(c echo.Context) error {
	status, _ := deriveStatus(h.mgr.ListSessions(model.AdminActor))
	return c.JSON(http.StatusOK, map[string]interface{}{"ready": true, "status": status})
}

// GET /health/ping
func (h *Handler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"pong": true, "ts": time.Now().UnixMilli()})
}

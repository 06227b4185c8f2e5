package handler

import (
	"net/http"
	"net/url"

	"gowa-gateway/internal/middleware"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type wsUpgrader = websocket.Upgrader

func newUpgrader(checkOrigin func(r *http.Request) bool) wsUpgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// checkOrigin accepts non-browser clients (no Origin header) and browsers
// whose origin is in ALLOWED_ORIGINS.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] {
		return true
	}
	if h.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// POST /api/ws/ticket
func (h *Handler) IssueTicket(c echo.Context) error {
	token, expires, err := h.tickets.Issue(middleware.ActorFrom(c))
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to issue ticket", "TICKET_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Ticket issued", map[string]interface{}{
		"ticket":    token,
		"expiresAt": expires.UTC(),
		"url":       "/ws?ticket=" + url.QueryEscape(token),
	})
}

// GET /ws?ticket=... (or an API key)
func (h *Handler) WebSocket(c echo.Context) error {
	actor, ok := h.subscriber(c)
	if !ok {
		return ErrorResponse(c, http.StatusUnauthorized, "Missing or invalid ticket", "UNAUTHORIZED", "")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade sudah menulis response error
		h.logger.Warn().Err(err).Msg("ws upgrade error")
		return nil
	}

	ws.NewClient(h.hub, conn, actor).Serve()
	return nil
}

// subscriber resolves the actor of a websocket request from its ticket,
// falling back to the API key sources.
func (h *Handler) subscriber(c echo.Context) (model.Actor, bool) {
	if ticket := c.QueryParam("ticket"); ticket != "" {
		actor, err := h.tickets.Validate(ticket)
		if err != nil {
			h.logger.Debug().Err(err).Msg("ws ticket rejected")
			return model.Actor{}, false
		}
		return actor, true
	}
	key := middleware.ExtractAPIKey(c.Request())
	if key == "" {
		return model.Actor{}, false
	}
	return h.keys.Resolve(key)
}

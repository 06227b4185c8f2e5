package handler

import (
	"net/http"

	"gowa-gateway/internal/middleware"
	"gowa-gateway/internal/service"

	"github.com/labstack/echo/v4"
)

type CreateSessionRequest struct {
	ID            string  `json:"id"`
	Label         *string `json:"label"`
	AutoStart     *bool   `json:"autoStart"`
	WebhookURL    string  `json:"webhookUrl"`
	WebhookSecret string  `json:"webhookSecret"`
}

// GET /api/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	items := h.mgr.ListSessions(middleware.ActorFrom(c))
	return SuccessResponse(c, http.StatusOK, "Sessions retrieved", map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// POST /api/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.WebhookURL != "" {
		if msg := validateWebhookURLs(req.WebhookURL); msg != "" {
			return ErrorResponse(c, http.StatusBadRequest, msg, "INVALID_URL", "")
		}
	}

	view, err := h.mgr.CreateSession(c.Request().Context(), middleware.ActorFrom(c), service.CreateRequest{
		ID:            req.ID,
		Label:         req.Label,
		AutoStart:     req.AutoStart,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		return serviceError(c, err)
	}

	h.logger.Info().Str("session_id", view.ID).Str("status", string(view.Status)).Msg("session created via api")
	return SuccessResponse(c, http.StatusOK, "Session started", map[string]interface{}{
		"id":     view.ID,
		"status": view.Status,
	})
}

// GET /api/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	view, err := h.mgr.GetSession(middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session retrieved", view)
}

// DELETE /api/sessions/:id?mode=runtime|creds|meta|all
func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("id")
	mode, ok := service.ParseDeleteMode(c.QueryParam("mode"))
	if !ok {
		return ErrorResponse(c, http.StatusBadRequest, "mode must be one of runtime, creds, meta, all", "VALIDATION_ERROR", "")
	}

	steps, err := h.mgr.DeleteSession(c.Request().Context(), middleware.ActorFrom(c), id, mode)
	if err != nil {
		return serviceError(c, err)
	}

	h.logger.Info().Str("session_id", id).Str("mode", string(mode)).Msg("session deleted via api")
	return SuccessResponse(c, http.StatusOK, "Session deleted", map[string]interface{}{
		"ok":    true,
		"id":    id,
		"mode":  mode,
		"steps": steps,
	})
}

// POST /api/sessions/:id/restart
func (h *Handler) RestartSession(c echo.Context) error {
	view, err := h.mgr.RestartSession(c.Request().Context(), middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session restarted", map[string]interface{}{
		"id":     view.ID,
		"status": view.Status,
	})
}

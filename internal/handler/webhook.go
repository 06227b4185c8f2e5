// internal/handler/webhook.go
package handler

import (
	"net/http"
	"strings"

	"gowa-gateway/internal/middleware"
	"gowa-gateway/internal/webhook"

	"github.com/labstack/echo/v4"
)

type WebhookConfigRequest struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

// validateWebhookURLs checks a comma separated target list. Returns the
// error message, or "" when every target is usable.
func validateWebhookURLs(raw string) string {
	targets := webhook.SplitList(raw)
	if len(targets) == 0 {
		return "Field 'url' is required"
	}
	for _, u := range targets {
		// validasi URL minimal ada http
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return "webhook url must start with http:// or https://"
		}
	}
	return ""
}

// POST /api/webhooks/configure
func (h *Handler) ConfigureWebhook(c echo.Context) error {
	var req WebhookConfigRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest,
			"Invalid request body", "INVALID_REQUEST", err.Error())
	}

	if req.SessionID == "" {
		return ErrorResponse(c, http.StatusBadRequest,
			"Field 'sessionId' is required", "VALIDATION_ERROR", "")
	}
	if msg := validateWebhookURLs(req.URL); msg != "" {
		return ErrorResponse(c, http.StatusBadRequest, msg, "INVALID_URL", "")
	}

	view, err := h.mgr.ConfigureWebhook(c.Request().Context(), middleware.ActorFrom(c), req.SessionID, req.URL, req.Secret)
	if err != nil {
		return serviceError(c, err)
	}

	return SuccessResponse(c, http.StatusOK, "Webhook config updated", map[string]interface{}{
		"sessionId":  view.ID,
		"webhookUrl": view.WebhookURL,
		"hasSecret":  req.Secret != "",
	})
}

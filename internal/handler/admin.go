package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type RateLimitRequest struct {
	WindowMs *int64 `json:"windowMs"`
	Max      *int   `json:"max"`
}

type WebhookDefaultRequest struct {
	URL    *string `json:"url"`
	Secret *string `json:"secret"`
}

func (h *Handler) rateLimitView() map[string]interface{} {
	window, budget := h.limiter.Limits()
	return map[string]interface{}{
		"windowMs": window.Milliseconds(),
		"max":      budget,
	}
}

func (h *Handler) webhookDefaultView() map[string]interface{} {
	url, secret := h.mgr.DefaultWebhook()
	return map[string]interface{}{
		"url":       url,
		"hasSecret": secret != "",
	}
}

// GET /api/admin/config
func (h *Handler) AdminConfig(c echo.Context) error {
	return SuccessResponse(c, http.StatusOK, "Runtime config", map[string]interface{}{
		"rateLimit":      h.rateLimitView(),
		"webhookDefault": h.webhookDefaultView(),
	})
}

// POST /api/admin/ratelimit
func (h *Handler) SetRateLimit(c echo.Context) error {
	var req RateLimitRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if (req.WindowMs != nil && *req.WindowMs <= 0) || (req.Max != nil && *req.Max <= 0) {
		return ErrorResponse(c, http.StatusBadRequest, "windowMs and max must be positive", "VALIDATION_ERROR", "")
	}

	window, budget := h.limiter.Limits()
	if req.WindowMs != nil {
		window = time.Duration(*req.WindowMs) * time.Millisecond
	}
	if req.Max != nil {
		budget = *req.Max
	}
	h.limiter.SetLimits(window, budget)
	h.logger.Info().Dur("window", window).Int("max", budget).Msg("rate limit changed")

	return SuccessResponse(c, http.StatusOK, "Rate limit updated", map[string]interface{}{
		"ok":        true,
		"rateLimit": h.rateLimitView(),
	})
}

// POST /api/admin/webhook-default
func (h *Handler) SetWebhookDefault(c echo.Context) error {
	var req WebhookDefaultRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	url, secret := h.mgr.DefaultWebhook()
	if req.URL != nil {
		url = *req.URL
		if url != "" {
			if msg := validateWebhookURLs(url); msg != "" {
				return ErrorResponse(c, http.StatusBadRequest, msg, "INVALID_URL", "")
			}
		}
	}
	if req.Secret != nil {
		secret = *req.Secret
	}
	h.mgr.SetDefaultWebhook(url, secret)
	h.logger.Info().Str("url", url).Msg("default webhook changed")

	return SuccessResponse(c, http.StatusOK, "Default webhook updated", map[string]interface{}{
		"ok":             true,
		"webhookDefault": h.webhookDefaultView(),
	})
}

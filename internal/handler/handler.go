// Package handler is the HTTP surface of the gateway.
package handler

import (
	"context"
	"net/http"
	"time"

	"gowa-gateway/internal/middleware"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/service"
	"gowa-gateway/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps wires the handlers to the rest of the gateway.
type Deps struct {
	Manager *service.Manager
	Hub     *ws.Hub
	Tickets *ws.Tickets

	Keys           middleware.Keys
	Limiter        *middleware.RateLimiter
	Spam           middleware.SpamStore
	SpamConfig     middleware.SpamConfig
	Authentication string
	AllowedOrigins []string

	Fetch  service.MediaFetcher
	Logger zerolog.Logger
}

type Handler struct {
	mgr      *service.Manager
	hub      *ws.Hub
	tickets  *ws.Tickets
	keys     middleware.Keys
	limiter  *middleware.RateLimiter
	fetch    service.MediaFetcher
	origins  map[string]bool
	logger   zerolog.Logger
	started  time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	upgrader wsUpgrader
}

func New(d Deps) *Handler {
	h := &Handler{
		mgr:     d.Manager,
		hub:     d.Hub,
		tickets: d.Tickets,
		keys:    d.Keys,
		limiter: d.Limiter,
		fetch:   d.Fetch,
		origins: make(map[string]bool, len(d.AllowedOrigins)),
		logger:  d.Logger,
		started: time.Now(),
		sleep:   sleepCtx,
	}
	for _, o := range d.AllowedOrigins {
		h.origins[o] = true
	}
	h.upgrader = newUpgrader(h.checkOrigin)
	return h
}

// Register mounts every route on e.
func Register(e *echo.Echo, d Deps) *Handler {
	h := New(d)

	e.GET("/", func(c echo.Context) error {
		return SuccessResponse(c, http.StatusOK, "WhatsApp gateway is running", nil)
	})

	health := e.Group("/health")
	health.GET("", h.Health)
	health.GET("/live", h.Live)
	health.GET("/ready", h.Ready)
	health.GET("/ping", h.Ping)

	e.GET("/utils/qr.png", h.QRImage)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.BasicAuthGate(d.Authentication, "Gateway Metrics"))
	e.GET("/ws", h.WebSocket)

	api := e.Group("/api", middleware.APIKeyAuth(d.Keys, model.RoleUser), d.Limiter.Middleware())
	api.POST("/ws/ticket", h.IssueTicket)

	sessions := api.Group("/sessions")
	sessions.GET("", h.ListSessions)
	sessions.POST("", h.CreateSession)
	sessions.GET("/:id", h.GetSession)
	sessions.DELETE("/:id", h.DeleteSession)
	sessions.POST("/:id/restart", h.RestartSession)

	messages := api.Group("/messages", middleware.AntiSpam(d.Spam, d.SpamConfig, d.Logger))
	messages.POST("/text", h.SendText)
	messages.POST("/media", h.SendMedia)
	messages.POST("/media/file", h.SendMediaFile)
	messages.POST("/gif", h.SendGIF)
	messages.POST("/location", h.SendLocation)
	messages.POST("/sticker", h.SendSticker)
	messages.POST("/vcard", h.SendVCard)
	messages.POST("/forward", h.SendRaw)
	messages.POST("/raw", h.SendRaw)

	api.POST("/webhooks/configure", h.ConfigureWebhook)

	admin := api.Group("/admin", middleware.RequireAdmin)
	admin.GET("/config", h.AdminConfig)
	admin.POST("/ratelimit", h.SetRateLimit)
	admin.POST("/webhook-default", h.SetWebhookDefault)

	return h
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

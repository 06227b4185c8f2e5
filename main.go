package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gowa-gateway/config"
	"gowa-gateway/database"
	"gowa-gateway/internal/adapter"
	"gowa-gateway/internal/credstore"
	"gowa-gateway/internal/handler"
	"gowa-gateway/internal/helper"
	"gowa-gateway/internal/log"
	customMiddleware "gowa-gateway/internal/middleware"
	"gowa-gateway/internal/model"
	"gowa-gateway/internal/registry"
	"gowa-gateway/internal/service"
	"gowa-gateway/internal/service/ai"
	"gowa-gateway/internal/webhook"
	"gowa-gateway/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

const bodyLimit = "30M"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Base().Fatal().Err(err).Msg("load config")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// **************************
	// storage
	//***************************
	backend, closeBackend, err := openRegistryBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open session registry")
	}
	defer closeBackend()

	reg, err := registry.New(ctx, backend, registry.WithLogger(log.WithComponent("registry")))
	if err != nil {
		logger.Fatal().Err(err).Msg("load session registry")
	}
	creds := credstore.New(cfg.Session.CredentialsDir)

	// **************************
	// realtime + webhook
	//***************************
	var mgr *service.Manager
	hub := ws.NewHub(func(actor model.Actor, room string) bool {
		_, err := mgr.Authorize(actor, room)
		return err == nil
	}, log.WithComponent("ws"))
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	dispatcher := webhook.New(webhook.Options{
		Timeout:          cfg.Webhook.Timeout,
		Retries:          cfg.Webhook.Retries,
		Backoff:          cfg.Webhook.Backoff,
		Jitter:           cfg.Webhook.Jitter,
		MaxBackoff:       cfg.Webhook.MaxBackoff,
		ActionDelay:      cfg.Webhook.ActionDelay,
		CircuitThreshold: cfg.Webhook.CircuitThreshold,
		CircuitOpen:      cfg.Webhook.CircuitOpen,
	}, webhook.WithLogger(log.WithComponent("webhook")))

	replier, err := newAutoReplier(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("auto-reply rules")
	}

	// **************************
	// sessions
	//***************************
	mgr = service.NewManager(service.OptionsFromConfig(cfg), service.Deps{
		Registry:  reg,
		Creds:     creds,
		Connector: adapter.NewWhatsmeowConnector("gowa-gateway"),
		Webhooks:  dispatcher,
		Bus:       hub,
		Replier:   replier,
	}, service.WithLogger(log.WithComponent("manager")))

	started := mgr.BootstrapAll(ctx)
	logger.Info().Int("sessions", started).Msg("auto-start sessions bootstrapped")

	spam, closeSpam := newSpamStore(ctx, cfg, logger)
	defer closeSpam()

	// Setup Echo
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"X-API-Key",
		},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
	}))

	handler.Register(e, handler.Deps{
		Manager: mgr,
		Hub:     hub,
		Tickets: ws.NewTickets(cfg.Auth.JWTSecret, cfg.Auth.WSTicketTTL),
		Keys: customMiddleware.Keys{
			Admin: cfg.Auth.AdminAPIKey,
			Users: cfg.Auth.UserAPIKeys,
		},
		Limiter: customMiddleware.NewRateLimiter(cfg.Limits.RateLimitWindow, cfg.Limits.RateLimitMax),
		Spam:    spam,
		SpamConfig: customMiddleware.SpamConfig{
			Cooldown:    cfg.Limits.SpamCooldown,
			QuotaWindow: cfg.Limits.QuotaWindow,
			QuotaMax:    cfg.Limits.QuotaMax,
		},
		Authentication: cfg.Auth.Authentication,
		AllowedOrigins: cfg.AllowedOrigins,
		Fetch:          helper.FetchMedia,
		Logger:         log.WithComponent("http"),
	})

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("gateway listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("session shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("webhook drain")
	}
	logger.Info().Msg("bye")
}

// openRegistryBackend uses REGISTRY_DATABASE_URL when set, else the JSON file
// under DATA_DIR.
func openRegistryBackend(ctx context.Context, cfg *config.Config) (registry.Backend, func(), error) {
	if cfg.Session.RegistryDBURL == "" {
		path := filepath.Join(cfg.Session.DataDir, "sessions.json")
		return registry.NewFileBackend(path), func() {}, nil
	}
	db, dialect, err := database.Open(cfg.Session.RegistryDBURL)
	if err != nil {
		return nil, nil, err
	}
	backend, err := registry.NewSQLBackend(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return backend, func() { _ = db.Close() }, nil
}

func newAutoReplier(cfg *config.Config) (*service.AutoReplier, error) {
	if !cfg.AutoReply.Enabled {
		return nil, nil
	}
	var generator service.ReplyGenerator
	if cfg.AutoReply.AIEnabled {
		provider, err := ai.NewGeminiProvider(ai.GeminiConfig{
			APIKey:       cfg.AutoReply.GeminiAPIKey,
			Model:        cfg.AutoReply.GeminiModel,
			Temperature:  cfg.AutoReply.AITemperature,
			MaxTokens:    cfg.AutoReply.AIMaxTokens,
			SystemPrompt: cfg.AutoReply.AISystemPrompt,
		}, log.WithComponent("ai"))
		if err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("AI replies disabled")
		} else {
			generator = provider
		}
	}
	return service.NewAutoReplier(cfg.AutoReply, generator, cfg.AutoReply.Cooldown, log.WithComponent("autoreply"))
}

// newSpamStore uses Redis when REDIS_URL is set.
func newSpamStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (customMiddleware.SpamStore, func()) {
	if cfg.Limits.RedisURL == "" {
		return customMiddleware.NewMemorySpamStore(), func() {}
	}
	client, err := customMiddleware.NewRedisClient(ctx, cfg.Limits.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, anti-spam falls back to memory")
		return customMiddleware.NewMemorySpamStore(), func() {}
	}
	logger.Info().Msg("anti-spam backed by redis")
	return customMiddleware.NewRedisSpamStore(client, "gowa:spam:"), func() { _ = client.Close() }
}

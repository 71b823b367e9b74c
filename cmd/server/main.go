// Command server runs the live-chat backend: it loads configuration, opens
// the SQLite store, wires the application services (conversation lifecycle,
// message pipeline, response cache, learning, escalation), attaches the HTTP
// and WebSocket transport, and serves until SIGINT/SIGTERM with graceful
// drain.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkoutas/go-livechat-backend/internal/ai"
	"github.com/dkoutas/go-livechat-backend/internal/config"
	httpapi "github.com/dkoutas/go-livechat-backend/internal/http"
	"github.com/dkoutas/go-livechat-backend/internal/lock"
	"github.com/dkoutas/go-livechat-backend/internal/observability"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
	"github.com/dkoutas/go-livechat-backend/internal/services"
	"github.com/dkoutas/go-livechat-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	// .env is optional; real deployments use the process environment.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("gorm tracing setup failed")
		}
	}

	// Conversation locks: Redis lease when an address is configured (multi
	// instance), in-process mutex otherwise.
	var locks lock.ConversationLocker
	if cfg.RedisAddr != "" {
		locks = &lock.RedisLocker{Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})}
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis conversation locks")
	} else {
		locks = lock.NewKeyedMutex()
	}

	hub := pubsub.NewHub(64)
	notifier := &services.LogNotifier{Log: log.Logger}

	// AI collaborators. An empty provider URL disables automatic replies;
	// the human pipeline keeps working.
	var provider ai.Provider
	if cfg.Provider.URL != "" {
		provider = ai.NewHTTPProvider(cfg.Provider.URL, cfg.Provider.Model, cfg.Provider.APIKey)
	}
	facts := ai.StaticContext(cfg.Facts())

	cacheSvc := services.NewResponseCacheService(db, cfg.Cache.TTL, cfg.Cache.Retention)
	learnSvc := services.NewLearningService(db)
	escSvc := services.NewEscalationService(db, hub, notifier, services.EscalationPolicy{
		MaxResponsesPerConversation: cfg.Escalation.MaxResponsesPerConversation,
		AgentWait:                   cfg.Escalation.AgentWait,
		NegativeSentimentThreshold:  cfg.Escalation.NegativeSentimentThreshold,
	})
	convSvc := services.NewConversationService(db, hub, locks, notifier, cacheSvc, learnSvc, escSvc)
	msgSvc := services.NewMessageService(db, hub, locks, escSvc, cacheSvc, provider, facts)
	msgSvc.ProviderTimeout = cfg.Provider.Timeout
	msgSvc.IdempotencyTTL = cfg.IdempotencyTTL
	msgSvc.MaxContentRunes = cfg.MaxContentRunes

	cacheSvc.StartSweeper(ctx, cfg.Cache.SweepInterval)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, httpapi.Deps{
		DB:           db,
		Hub:          hub,
		Conversation: convSvc,
		Message:      msgSvc,
		Learning:     learnSvc,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}

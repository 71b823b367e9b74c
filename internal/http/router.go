// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID, then logging, then recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/dkoutas/go-livechat-backend/internal/config"
	"github.com/dkoutas/go-livechat-backend/internal/http/handlers"
	"github.com/dkoutas/go-livechat-backend/internal/http/middleware"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
	"github.com/dkoutas/go-livechat-backend/internal/services"
)

// Deps carries everything the router needs beyond the raw engine. Services
// are constructed by the caller (main) so alternate wirings (tests, workers)
// can share them.
type Deps struct {
	DB           *gorm.DB
	Hub          *pubsub.Hub
	Conversation *services.ConversationService
	Message      *services.MessageService
	Learning     *services.LearningService
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and
// rate limiting, compression, CORS and security headers, health and metrics
// endpoints, and then mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per visitor/IP, bypass on replay)
//  9. Gzip, CORS and security headers
func RegisterRoutes(r *gin.Engine, cfg config.Config, deps Deps) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (visitor emails, ids)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Widget-Key", // tenant secret presented by embedded widgets
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, conversationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, deps.DB, conversationID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per visitor/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByVisitorOrIP())
	r.Use(rl.Handler())

	// 9) Compression; WebSocket endpoints must stay uncompressed so the
	// connection can be hijacked.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`.*/ws$`})))

	// CORS: embedded widgets live on arbitrary origins, so no configured
	// allowlist means allow-all. AllowCredentials must stay false with
	// AllowAllOrigins.
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Visitor-ID", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(deps.Conversation, deps.Message, deps.Learning)
	ws := handlers.NewWSHandler(deps.Hub)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Widget scope: start conversations, inbox list, tenant feed
		api.POST("/widgets/:widget_id/conversations", h.StartConversation)
		api.GET("/widgets/:widget_id/conversations", h.ListConversations)
		api.GET("/widgets/:widget_id/stats", h.GetWidgetStats)
		api.GET("/widgets/:widget_id/ws", ws.WidgetStream)

		// Conversation lifecycle
		api.GET("/conversations/:id", h.GetConversation)
		api.GET("/conversations/:id/stats", h.GetConversationStats)
		api.POST("/conversations/:id/close", h.CloseConversation)
		api.POST("/conversations/:id/reopen", h.ReopenConversation)
		api.POST("/conversations/:id/archive", h.ArchiveConversation)
		api.POST("/conversations/:id/read", h.MarkConversationRead)
		api.POST("/conversations/:id/rating", h.RateConversation)
		api.DELETE("/conversations/:id", h.DeleteConversation)

		// Message pipeline
		api.POST("/conversations/:id/messages", h.PostVisitorMessage)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/agent-messages", h.PostAgentMessage)
		api.POST("/conversations/:id/typing", h.Typing)
		api.GET("/conversations/:id/ws", ws.ConversationStream)
		api.POST("/messages/:id/delivered", h.MarkMessageDelivered)
		api.POST("/messages/:id/read", h.MarkMessageRead)

		// Learned answer patterns (dashboard inspection)
		api.GET("/learning/patterns", h.ListLearningPatterns)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/middleware"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

// RouterConfig holds what the bridge router needs.
type RouterConfig struct {
	Client      *chat.Client
	Credentials transport.Credentials
	Logger      *logger.Logger
	Clock       clock.Clock
	Heartbeat   time.Duration

	// JWTSecret enables bearer authentication on /api/v1 when set.
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string
}

// NewRouter builds the bridge HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrNop(cfg.Logger)

	healthHandler := NewHealthHandler(cfg.Client)
	sessionHandler := NewSessionHandler(cfg.Client, cfg.Credentials, log)
	conversationHandler := NewConversationHandler(cfg.Client, log)
	messageHandler := NewMessageHandler(cfg.Client, log)
	groupHandler := NewGroupHandler(cfg.Client)
	streamHandler := NewStreamHandler(cfg.Client, cfg.Clock, cfg.Heartbeat, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	authenticated := cfg.JWTSecret != ""
	scoped := func(scope string) func(http.Handler) http.Handler {
		if !authenticated {
			return func(next http.Handler) http.Handler { return next }
		}
		return middleware.RequireScope(scope)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if authenticated {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Group(func(r chi.Router) {
			r.Use(scoped(middleware.ScopeRead))
			r.Get("/snapshot", sessionHandler.Snapshot)
			r.Get("/events", streamHandler.Events)
			r.Get("/conversations", conversationHandler.List)
			r.With(middleware.ConversationParam).Get("/conversations/{id}/messages", conversationHandler.Messages)
		})

		r.Group(func(r chi.Router) {
			r.Use(scoped(middleware.ScopeWrite))
			r.Post("/conversations/refresh", conversationHandler.Refresh)
			r.Post("/conversations/direct", conversationHandler.OpenDirect)
			r.Delete("/conversations/active", conversationHandler.ClearActive)
			r.With(middleware.ConversationParam).Put("/conversations/{id}/active", conversationHandler.SetActive)

			r.Post("/messages", messageHandler.Send)
			r.Post("/messages/read", messageHandler.MarkRead)
			r.Post("/typing", messageHandler.Typing)

			r.Post("/groups", groupHandler.Create)
			r.Post("/groups/{id}/join", groupHandler.Join)
			r.Post("/groups/{id}/leave", groupHandler.Leave)
		})

		r.Group(func(r chi.Router) {
			r.Use(scoped(middleware.ScopeConnect))
			r.Post("/connect", sessionHandler.Connect)
			r.Post("/disconnect", sessionHandler.Disconnect)
		})
	})

	return r
}

// internal/http/routes.go
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/config"
	"chatrelay/internal/http/handlers"
	mw "chatrelay/internal/middleware"
	"chatrelay/internal/realtime"
	"chatrelay/pkg/logger"
)

type Server struct {
	DB       *pgxpool.Pool
	RDB      *redis.Client
	Config   *config.Config
	Logger   *logger.Logger
	Validate *validator.Validate

	// Handlers
	System   *handlers.SystemHandler
	Realtime *handlers.RealtimeHandler
}

func NewServer(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, log *logger.Logger, rt *realtime.Server, events handlers.Applier, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		DB:       db,
		RDB:      rdb,
		Config:   cfg,
		Logger:   log,
		Validate: validator.New(),
	}

	s.System = handlers.NewSystemHandler(s.DB, s.RDB, gatherer, s.Logger)
	s.Realtime = handlers.NewRealtimeHandler(rt, events, s.Logger, s.Validate)

	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(mw.Logger(s.Logger))
	r.Use(mw.Recovery(s.Logger))
	r.Use(mw.Security())
	r.Use(mw.CORS(s.Config.CORS))
	r.Use(mw.LimitRequestSize(1024 * 1024))

	r.Get("/health", s.System.HandleHealth)
	r.Get("/metrics", s.System.HandleMetrics)

	// WebSocket, token checked by the gate
	r.With(mw.RateLimit(s.RDB, s.Config.RateLimit)).Get("/ws", s.Realtime.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(mw.InternalAuth(s.Config.Internal))

		r.Get("/endpoints", s.System.HandleListEndpoints(r))
		r.Get("/realtime/stats", s.Realtime.HandleGetStats)
		r.Get("/realtime/channels/{channel}", s.Realtime.HandleGetChannel)

		r.Route("/internal", func(r chi.Router) {
			r.Use(mw.ContentType("application/json"))
			s.setupChatRoutes(r)
			s.setupUserRoutes(r)
		})
	})

	return r
}

func (s *Server) setupChatRoutes(r chi.Router) {
	r.Route("/chats/{chatID}", func(r chi.Router) {
		r.Post("/messages", s.Realtime.HandleNewMessage)
		r.Post("/cleared", s.Realtime.HandleMessagesCleared)
		r.Post("/members/updated", s.Realtime.HandleMembersUpdated)
		r.Post("/members/{userID}/removed", s.Realtime.HandleMemberRemoved)
		r.Post("/members/{userID}/added", s.Realtime.HandleMemberAdded)
	})
}

func (s *Server) setupUserRoutes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/friend-requests", s.Realtime.HandleFriendRequest)
		r.Post("/ban", s.Realtime.HandleBan)
		r.Post("/invalidate", s.Realtime.HandleInvalidateSessions)
	})
}

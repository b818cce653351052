// internal/http/handlers/system.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/response"
)

type SystemHandler struct {
	DB      *pgxpool.Pool
	RDB     *redis.Client
	Logger  *logger.Logger
	metrics http.Handler
}

// NewSystemHandler serves health and Prometheus metrics. A nil DB or RDB is
// left out of the health check.
func NewSystemHandler(db *pgxpool.Pool, rdb *redis.Client, gatherer prometheus.Gatherer, log *logger.Logger) *SystemHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &SystemHandler{
		DB:      db,
		RDB:     rdb,
		Logger:  log,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			h.Logger.Warn("Health check failed", "dependency", "postgres", "error", err)
			response.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
	}

	if h.RDB != nil {
		if err := h.RDB.Ping(ctx).Err(); err != nil {
			h.Logger.Warn("Health check failed", "dependency", "redis", "error", err)
			response.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
	}

	response.JSON(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (h *SystemHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// HandleListEndpoints lists every route mounted on router.
func (h *SystemHandler) HandleListEndpoints(router chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var routes []map[string]string

		chi.Walk(router, func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			routes = append(routes, map[string]string{
				"method": method,
				"path":   route,
			})
			return nil
		})

		response.JSON(w, map[string]interface{}{
			"endpoints": routes,
			"total":     len(routes),
		})
	}
}

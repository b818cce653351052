// internal/middleware/middleware.go
package middleware

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/response"
)

// InternalKeyHeader carries the shared key of the CRUD layer.
const InternalKeyHeader = "X-Internal-Key"

// CORS middleware with configuration
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           int(cfg.MaxAge.Seconds()),
	})
}

// Structured logging middleware
func Logger(log *logger.Logger) func(http.Handler) http.Handler {
	return middleware.RequestLogger(&StructuredLogger{log})
}

type StructuredLogger struct {
	Logger *logger.Logger
}

func (l *StructuredLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	entry := &StructuredLoggerEntry{Logger: l.Logger}
	logFields := map[string]interface{}{
		"method":    r.Method,
		"url":       r.URL.Path,
		"remote_ip": GetRealIP(r),
	}

	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		logFields["req_id"] = reqID
	}

	entry.Logger = l.Logger.WithFields(logFields)
	entry.Logger.Debug("request started")
	return entry
}

type StructuredLoggerEntry struct {
	Logger *logger.Logger
}

func (l *StructuredLoggerEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	l.Logger.With(
		"status", status,
		"bytes", bytes,
		"elapsed_ms", float64(elapsed.Nanoseconds())/1000000.0,
	).Info("request completed")
}

func (l *StructuredLoggerEntry) Panic(v interface{}, stack []byte) {
	l.Logger.With(
		"panic", fmt.Sprintf("%+v", v),
		"stack", string(stack),
	).Error("request panicked")
}

// RateLimit is a per-IP sliding window kept in Redis. It guards the
// WebSocket upgrade against reconnect storms. Redis errors let the request
// through.
func RateLimit(rdb *redis.Client, cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || rdb == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	const window = time.Minute

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := fmt.Sprintf("chatrelay:rate_limit:%s", GetRealIP(r))

			now := time.Now()
			reset := now.Add(window).Unix()

			pipe := rdb.Pipeline()
			pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
			card := pipe.ZCard(ctx, key)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
			pipe.Expire(ctx, key, window)

			if _, err := pipe.Exec(ctx); err != nil {
				next.ServeHTTP(w, r)
				return
			}

			count := card.Val()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMin))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			if count >= int64(cfg.RequestsPerMin) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				response.TooManyRequests(w, "Rate limit exceeded")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(cfg.RequestsPerMin)-count-1, 10))

			next.ServeHTTP(w, r)
		})
	}
}

// InternalAuth admits requests whose X-Internal-Key matches the bcrypt
// hash in config. An empty hash closes the internal API.
func InternalAuth(cfg config.InternalConfig) func(http.Handler) http.Handler {
	hash := []byte(cfg.APIKeyHash)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(InternalKeyHeader)
			if len(hash) == 0 || key == "" {
				response.Unauthorized(w, "Missing internal key")
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
				response.Unauthorized(w, "Invalid internal key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recovery middleware with structured logging
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.With(
						"error", err,
						"method", r.Method,
						"url", r.URL.Path,
						"remote_ip", GetRealIP(r),
					).Error("panic recovered")

					response.InternalServerError(w, "")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Security headers middleware
func Security() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			if strings.HasPrefix(r.URL.Path, "/api") {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetRealIP handles proxies and load balancers.
func GetRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if cfip := r.Header.Get("CF-Connecting-IP"); cfip != "" {
		return cfip
	}

	return r.RemoteAddr
}

// ExtractToken finds the bearer credential of a request. Browsers cannot
// set headers on a WebSocket handshake, so the token query parameter is
// checked first.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}

	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}

	return ""
}

func ContentType(contentType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				ct := r.Header.Get("Content-Type")

				// Bodiless POSTs carry no content type.
				if (r.ContentLength == 0 || r.Body == nil) && ct == "" {
					next.ServeHTTP(w, r)
					return
				}

				mt, _, err := mime.ParseMediaType(ct)
				if err != nil || mt != contentType {
					response.Error(w, fmt.Sprintf("Content-Type must be %s", contentType), http.StatusUnsupportedMediaType)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitRequestSize caps request bodies.
func LimitRequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				response.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

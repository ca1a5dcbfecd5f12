package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/restplate/internal/rest"
)

// RouterOption configures the behaviour of NewRouter.
type RouterOption func(*routerConfig)

// WithLogging controls whether access logs are emitted.
func WithLogging(enabled bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.enableLogging = enabled
	}
}

// WithRateLimiter overrides the default request rate limiter (primarily for tests).
func WithRateLimiter(limiter rateLimiter) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rateLimiter = limiter
	}
}

// WithRateLimit installs a token bucket limiter. A non-positive rate disables
// rate limiting.
func WithRateLimit(ratePerSecond float64, burst int) RouterOption {
	return func(cfg *routerConfig) {
		if ratePerSecond <= 0 {
			cfg.rateLimiter = nil
			return
		}
		cfg.rateLimiter = newTokenBucketLimiter(ratePerSecond, burst)
	}
}

// WithErrorLogger sets the logger that receives server errors and panics.
// It defaults to the access logger.
func WithErrorLogger(logger *zap.Logger) RouterOption {
	return func(cfg *routerConfig) {
		cfg.errorLogger = logger
	}
}

// WithMiddleware installs the named middleware chain. sessions backs the
// session-based middleware; appendSlash enables the trailing slash redirect.
func WithMiddleware(names []string, sessions *scs.SessionManager, appendSlash bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.middleware = names
		cfg.sessions = sessions
		cfg.appendSlash = appendSlash
	}
}

// WithMount serves handler below pattern next to the API routes.
func WithMount(pattern string, handler http.Handler) RouterOption {
	return func(cfg *routerConfig) {
		cfg.mounts = append(cfg.mounts, mount{pattern: pattern, handler: handler})
	}
}

type mount struct {
	pattern string
	handler http.Handler
}

type routerConfig struct {
	enableLogging bool
	logger        *zap.Logger
	errorLogger   *zap.Logger
	rateLimiter   rateLimiter

	middleware  []string
	sessions    *scs.SessionManager
	appendSlash bool
	mounts      []mount
}

// NewRouter creates an HTTP router with standard middleware followed by the
// configured middleware chain.
func NewRouter(handler *Handler, logger *zap.Logger, opts ...RouterOption) (http.Handler, error) {
	cfg := routerConfig{
		enableLogging: true,
		logger:        logger,
		rateLimiter:   newTokenBucketLimiter(25, 50),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.errorLogger == nil {
		cfg.errorLogger = cfg.logger
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", http.HandlerFunc(handler.handleHealth))
	mux.Handle("GET /api/apps/{$}", handler.rest.Endpoint(handler.listApps))
	mux.Handle("GET /api/settings/{$}", handler.rest.Endpoint(handler.showSettings, rest.Authenticated))
	if handler.notifier != nil {
		mux.Handle("POST /api/push/{$}", handler.rest.Endpoint(handler.sendPush))
	}
	if handler.sessions != nil {
		mux.Handle("GET /api/csrf/{$}", handler.rest.Endpoint(handler.csrfToken, rest.AllowAny))
	}
	if handler.images != nil {
		prefix := strings.TrimRight(handler.settings.Static.MediaURL, "/")
		mux.Handle("GET "+prefix+"/images/{variant}/{path...}", handler.images)
	}
	for _, m := range cfg.mounts {
		mux.Handle(m.pattern, m.handler)
	}

	root, err := buildChain(cfg.middleware, chainDeps{
		sessions:    cfg.sessions,
		appendSlash: cfg.appendSlash,
		routes:      mux,
	}, mux)
	if err != nil {
		return nil, err
	}
	root = corsMiddleware(root)
	root = errorReportMiddleware(cfg.errorLogger, root)
	root = recoveryMiddleware(cfg.errorLogger, root)
	if cfg.enableLogging {
		root = loggingMiddleware(cfg.logger, root)
	}
	root = rateLimitMiddleware(cfg.rateLimiter, root)
	root = requestIDMiddleware(root)

	return root, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Requested-With,X-CSRFToken")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		requestID := requestIDFromContext(r.Context())
		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID),
		)
	})
}

// errorReportMiddleware logs 5xx responses at error level so the
// administrators' handlers see them.
func errorReportMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			logger.Error("Internal Server Error: "+r.URL.Path,
				zap.String("method", r.Method),
				zap.Int("status", rec.status),
				zap.String("request_id", requestIDFromContext(r.Context())),
			)
		}
	})
}

func recoveryMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "Internal error", "unexpected server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = generateRequestID()
		}
		ctx := r.Context()
		ctx = contextWithRequestID(ctx, requestID)

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(buf)
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

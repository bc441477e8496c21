package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/access"
	"github.com/JakeFAU/sharedpages/internal/cache"
	"github.com/JakeFAU/sharedpages/internal/config"
	"github.com/JakeFAU/sharedpages/internal/dedup"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// Engine classifies batches and receives fetch lifecycle callbacks.
type Engine interface {
	Classify(ctx context.Context, req dedup.ClassifyRequest) (dedup.Result, error)
	OnFetchStarted(ctx context.Context, key pages.Key) (registry.Result, error)
	OnFetchCompleted(ctx context.Context, key pages.Key, pageID pages.PageID) (registry.Result, error)
	OnFetchFailed(ctx context.Context, key pages.Key, reason string) (registry.Result, error)
}

// Access answers page visibility questions.
type Access interface {
	AccessiblePages(ctx context.Context, user pages.UserID, filter access.Filter) (map[pages.PageID]struct{}, error)
	CanAccess(ctx context.Context, user pages.UserID, page pages.PageID) (bool, error)
	ValidateBulkAccess(ctx context.Context, user pages.UserID, ids []pages.PageID) (access.BulkAccess, error)
	ProjectPagesForUser(
		ctx context.Context,
		user pages.UserID,
		project pages.ProjectID,
		limit, offset int,
	) ([]pages.ProjectPage, error)
	InvalidateUser(ctx context.Context, users ...pages.UserID)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the engine and access service.
type Server struct {
	router chi.Router
	engine Engine
	access Access
	pinger Pinger
	cfg    config.Config
	logger *zap.Logger
}

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(
	engine Engine,
	accessSvc Access,
	pinger Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		access: accessSvc,
		pinger: pinger,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/projects/{project_id}/domains/{domain_id}/classify", s.classify)
		r.Route("/fetch", func(r chi.Router) {
			r.Post("/started", s.fetchStarted)
			r.Post("/completed", s.fetchCompleted)
			r.Post("/failed", s.fetchFailed)
		})
		r.Route("/users/{user_id}", func(r chi.Router) {
			r.Get("/pages", s.listAccessiblePages)
			r.Get("/pages/{page_id}/access", s.canAccess)
			r.Post("/pages/access", s.bulkAccess)
			r.Get("/projects/{project_id}/pages", s.projectPages)
			r.Post("/access/invalidate", s.invalidateAccess)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, pages.ErrInvalidKey),
		errors.Is(err, registry.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, cache.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and their
// detail withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error(op+" failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		msg = op + " failed"
	case http.StatusServiceUnavailable:
		s.logger.Error(op+" failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		msg = "service unavailable"
	}
	writeError(w, status, msg)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

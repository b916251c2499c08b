// Package api serves the status and control API for the sessions this
// process runs, plus Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/config"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
)

// Deps are the collaborators behind the routes. Calls is required; a nil
// Notices, Recordings or Metrics disables the routes that need it.
type Deps struct {
	Calls      CallDirectory
	Notices    NoticeSource
	Recordings storage.RecordingIndex
	Metrics    http.Handler
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	router     chi.Router
	limiter    *RateLimiter
	logger     *zap.Logger
}

func NewServer(cfg config.APIConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("api")

	limiter := NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(logger))
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)

		NewCallsHandler(deps.Calls, deps.Notices, logger).RegisterRoutes(r)
		NewQualityHandler(deps.Calls, logger).RegisterRoutes(r)
		if deps.Recordings != nil {
			NewRecordingsHandler(deps.Recordings, logger).RegisterRoutes(r)
		} else {
			logger.Warn("Recording index not configured, /api/claims routes disabled")
		}
	})

	return &Server{
		httpServer: &http.Server{
			Addr:           cfg.Addr,
			Handler:        r,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		router:  r,
		limiter: limiter,
		logger:  logger,
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware adds CORS headers for whitelisted origins and answers
// preflight requests.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

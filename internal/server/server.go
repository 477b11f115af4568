// Package server serves an append-only log to websocket clients from any
// requested position.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logtail/internal/config"
	"github.com/dgnsrekt/logtail/internal/protocol"
	"github.com/dgnsrekt/logtail/internal/source"
)

// Option configures a Server.
type Option func(*Server)

// WithWriteTimeout bounds each websocket write. A session whose client
// stops reading ends once a write times out.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

type Server struct {
	log          *source.Log
	config       *config.ServerConfig
	logger       *zap.Logger
	writeTimeout time.Duration

	// ctx is cancelled by Close and ends every open stream.
	ctx      context.Context
	cancel   context.CancelFunc
	sessions atomic.Int64
}

func NewServer(log *source.Log, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:          log,
		config:       cfg,
		logger:       logger,
		writeTimeout: writeWait,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close ends all stream sessions. Hijacked websocket connections are not
// tracked by http.Server, so register this with RegisterOnShutdown.
func (s *Server) Close() {
	s.cancel()
}

// Sessions returns the number of open stream sessions.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

func NewRouter(server *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", server.HandleHealth)
	r.Get(protocol.StreamPath, server.HandleStream)

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Entries  int64  `json:"entries"`
	Sessions int64  `json:"sessions"`
}

// HandleHealth reports the log size and number of open sessions.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Entries:  s.log.Len(),
		Sessions: s.Sessions(),
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
			next.ServeHTTP(w, r)
		})
	}
}

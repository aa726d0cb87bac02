package server

// Package server exposes the conversation API over HTTP, streams
// conversation events over WebSocket and serves the gRPC health service.
//
// Routes:
//   POST /api/v1/conversations                 start or resume a conversation
//   GET  /api/v1/conversations                 list live conversations
//   GET  /api/v1/conversations/{id}            live snapshot
//   POST /api/v1/conversations/{id}/feedback   submit feedback and re-run
//   GET  /api/v1/archive                       archived conversations (limit/offset)
//   GET  /api/v1/archive/{id}                  archived snapshot with LLM usage
//   GET  /ws/conversations/{id}                event stream
//   GET  /health, /ready, /metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/metric-investigator/internal/db"
	"github.com/kubilitics/metric-investigator/internal/middleware"
	"github.com/kubilitics/metric-investigator/internal/reasoning/engine"
)

// shutdownTimeout bounds graceful shutdown of both listeners.
const shutdownTimeout = 10 * time.Second

// Server represents the investigator server
type Server struct {
	config *Config
	logger *zap.Logger

	// Core components
	engine  engine.Engine
	archive db.Store // nil when the archive is disabled

	rateLimiter  *middleware.RateLimiter
	healthServer *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new server around eng. archive may be nil.
func NewServer(cfg *Config, eng engine.Engine, archive db.Store, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:       cfg,
		logger:       logger,
		engine:       eng,
		archive:      archive,
		rateLimiter:  middleware.NewRateLimiter(cfg.RateLimitRPM),
		healthServer: health.NewServer(),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)

	var h http.Handler = mux
	h = s.rateLimiter.Middleware(h)
	h = middleware.CORS(s.config.AllowedOrigins)(h)
	return h
}

// registerHandlers registers HTTP handlers
func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/conversations", s.handleStartOrResume)
	mux.HandleFunc("GET /api/v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/feedback", s.handleFeedback)

	mux.HandleFunc("GET /api/v1/archive", s.handleArchiveList)
	mux.HandleFunc("GET /api/v1/archive/{id}", s.handleArchiveGet)

	mux.HandleFunc("GET /ws/conversations/{id}", s.handleConversationStream)
}

// Run serves HTTP and gRPC until ctx is cancelled, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.rateLimiter.Stop()
		s.cancel()
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server starting", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpc.Server
	if s.config.GRPCPort > 0 {
		grpcServer = s.newGRPCServer()
		addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		g.Go(func() error {
			s.logger.Info("gRPC health server starting", zap.String("address", addr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down servers")
		s.healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("error shutting down HTTP server", zap.Error(err))
		}
		if grpcServer != nil {
			stopGRPC(grpcServer, shutdownTimeout)
		}
		return nil
	})

	return g.Wait()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) newGRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	grpc_health_v1.RegisterHealthServer(gs, s.healthServer)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return gs
}

// stopGRPC stops gracefully and forces the stop after timeout.
func stopGRPC(gs *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		gs.Stop()
	}
}

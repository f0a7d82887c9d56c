package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
)

// ServerConfig controls the HTTP listener's timeouts.
type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	DrainTimeout   time.Duration
}

// Server wraps an http.Server serving the job-lifecycle API surface, with
// graceful shutdown matching the teacher's API server lifecycle.
type Server struct {
	server       *http.Server
	cfg          ServerConfig
	shutdownOnce sync.Once
}

// NewServer creates an API HTTP server bound to the router built from
// deps. The server is created in a stopped state; call Start to serve.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	router := NewRouter(deps)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{server: httpServer, cfg: cfg}
}

// Start serves requests until ctx is cancelled, then performs a graceful
// shutdown bounded by cfg.DrainTimeout.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.Err(err))
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

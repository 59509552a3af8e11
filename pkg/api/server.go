// Package api serves the read-only admin HTTP interface of the chat server
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-chat/pkg/network"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// ConnStats reports live transport statistics
type ConnStats interface {
	Stats() network.Stats
}

// Config holds admin server configuration
type Config struct {
	Addr               string
	RateLimitPerSecond float64
	RateLimitBurst     int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// DefaultConfig returns default admin server configuration
func DefaultConfig() Config {
	return Config{
		Addr:               "127.0.0.1:9080",
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

// Server is the admin HTTP server
type Server struct {
	cfg        Config
	store      storage.Store
	conns      ConnStats
	router     *gin.Engine
	limiter    *RateLimiter
	logger     zerolog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the admin server. conns may be nil.
func NewServer(cfg Config, store storage.Store, conns ConnStats, logger zerolog.Logger) *Server {
	if cfg.RateLimitPerSecond <= 0 || cfg.RateLimitBurst <= 0 {
		def := DefaultConfig()
		cfg.RateLimitPerSecond, cfg.RateLimitBurst = def.RateLimitPerSecond, def.RateLimitBurst
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		store:     store,
		conns:     conns,
		router:    gin.New(),
		limiter:   NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		logger:    logger.With().Str("component", "admin").Logger(),
		startTime: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
	s.router.Use(RateLimitMiddleware(s.limiter))
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats", s.handleStats)

		accounts := v1.Group("/accounts")
		{
			accounts.GET("", s.handleListAccounts)
			accounts.GET("/:name", s.handleGetAccount)
		}
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin API listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go s.cleanupLoop(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down admin API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("Pruned idle rate limit entries")
			}
		}
	}
}

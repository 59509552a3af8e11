package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/session"
)

var ErrServerClosed = errors.New("server closed")

// ServerConfig holds transport settings
type ServerConfig struct {
	Addr          string
	MaxPayload    int
	IdleTimeout   time.Duration // 0 disables
	WriteTimeout  time.Duration // 0 disables
	PushQueueSize int
}

// Server accepts client connections and runs one session per connection
type Server struct {
	cfg        ServerConfig
	dispatcher *session.Dispatcher
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup

	startTime time.Time
	accepted  atomic.Uint64
}

// Stats is a snapshot of server activity
type Stats struct {
	Connections      int    `json:"connections"`
	LoggedInAccounts int    `json:"logged_in_accounts"`
	Accepted         uint64 `json:"accepted"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// NewServer creates a server that dispatches frames through d
func NewServer(cfg ServerConfig, d *session.Dispatcher, logger zerolog.Logger) *Server {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	if cfg.PushQueueSize <= 0 {
		cfg.PushQueueSize = 64
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger.With().Str("component", "server").Logger(),
		conns:      make(map[*conn]struct{}),
		startTime:  time.Now(),
	}
}

// Listen binds the configured address without accepting yet
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Chat server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Open connections are closed before it returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})

	g.Go(func() error {
		defer s.Close()
		return s.acceptLoop(gctx, ln)
	})

	err := g.Wait()
	s.wg.Wait()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("Accept timeout")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go s.ServeConn(ctx, nc)
	}
}

// ServeConn runs a session on an already established connection and
// returns when it ends
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := newConn(s, nc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	s.accepted.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.serve(ctx)
}

// Close stops accepting and closes every open connection
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	if len(conns) > 0 {
		s.logger.Info().Int("connections", len(conns)).Msg("Closed open connections")
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Connections:      open,
		LoggedInAccounts: s.dispatcher.Registry().Len(),
		Accepted:         s.accepted.Load(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	}
}

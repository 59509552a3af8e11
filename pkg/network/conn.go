package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/session"
)

var ErrPushQueueFull = errors.New("push queue full")

const readChunkSize = 4096

// conn is one client connection and its session
type conn struct {
	srv    *Server
	nc     net.Conn
	sess   *session.Session
	logger zerolog.Logger

	writeMu   sync.Mutex
	pushes    chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(srv *Server, nc net.Conn) *conn {
	sess := session.New(nc.RemoteAddr().String())
	c := &conn{
		srv:    srv,
		nc:     nc,
		sess:   sess,
		pushes: make(chan protocol.Frame, srv.cfg.PushQueueSize),
		done:   make(chan struct{}),
		logger: srv.logger.With().Str("session", sess.ID).Str("remote", sess.RemoteAddr).Logger(),
	}
	sess.SetPusher(c)
	return c
}

// serve reads frames until the session ends or the peer goes away.
// Every response of a frame is written before the next frame is decoded.
func (c *conn) serve(ctx context.Context) {
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	c.logger.Debug().Msg("Connection opened")

	go c.pushLoop()

	defer func() {
		c.srv.dispatcher.Registry().Unbind(c.sess)
		c.close()
		metrics.SessionsActive.Dec()
		c.logger.Debug().Str("state", c.sess.State().String()).Msg("Connection closed")
	}()

	dec := protocol.NewDecoder(c.srv.cfg.MaxPayload)
	buf := make([]byte, readChunkSize)

	for {
		if c.srv.cfg.IdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		}

		n, readErr := c.nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !c.drain(ctx, dec) {
				return
			}
		}

		if readErr != nil {
			c.logReadError(readErr)
			return
		}
	}
}

// drain dispatches every complete frame buffered in dec. It returns false
// when the connection must close.
func (c *conn) drain(ctx context.Context, dec *protocol.Decoder) bool {
	for {
		f, err := dec.Next()
		if errors.Is(err, protocol.ErrNeedMoreBytes) {
			return true
		}
		if err != nil {
			metrics.MalformedFrames.Inc()
			c.logger.Warn().Err(err).Msg("Malformed frame, closing connection")
			return false
		}

		for out := range c.srv.dispatcher.Dispatch(ctx, c.sess, f) {
			if err := c.write(out); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				return false
			}
		}

		if c.sess.Ended() {
			c.logger.Debug().Str("reason", c.sess.EndReason()).Msg("Session ended")
			return false
		}
	}
}

func (c *conn) logReadError(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug().Msg("Peer disconnected")
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Info().Dur("idle_timeout", c.srv.cfg.IdleTimeout).Msg("Idle timeout")
	default:
		c.logger.Debug().Err(err).Msg("Read error")
	}
}

// write sends one frame; pushes from other sessions share the lock
func (c *conn) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.srv.cfg.WriteTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	}
	if _, err := c.nc.Write(protocol.Encode(f)); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues(f.Opcode.String()).Inc()
	return nil
}

// Push queues a notification without waiting on the socket
func (c *conn) Push(f protocol.Frame) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	select {
	case c.pushes <- f:
		metrics.PushNotifications.WithLabelValues("queued").Inc()
		return nil
	default:
		metrics.PushNotifications.WithLabelValues("dropped").Inc()
		c.logger.Warn().Msg("Push queue full, dropping notification")
		return ErrPushQueueFull
	}
}

func (c *conn) pushLoop() {
	for {
		select {
		case f := <-c.pushes:
			if err := c.write(f); err != nil {
				c.logger.Debug().Err(err).Msg("Push write failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

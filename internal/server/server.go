package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/config"
)

// ConnHandler serves one accepted connection. The server closes the
// connection when ServeConn returns.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Server accepts TCP connections and runs each on its own goroutine.
type Server struct {
	addr            string
	handler         ConnHandler
	shutdownTimeout time.Duration
	log             logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	ready    chan struct{}
}

// New creates a server for cfg.Addr.
func New(cfg config.ServerConfig, handler ConnHandler, log logrus.FieldLogger) *Server {
	return &Server{
		addr:            cfg.Addr,
		handler:         handler,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log.WithField("component", "server"),
		conns:           make(map[net.Conn]struct{}),
		ready:           make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln. When ctx is cancelled the listener and
// every open connection are closed, and Serve waits up to the shutdown
// timeout for handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return s.shutdown()
			}
			if errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return err
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.track(conn)
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("connection handler panicked")
		}
	}()

	log.Info("client connected")
	s.handler.ServeConn(ctx, conn)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// shutdown closes open connections and waits for their handlers.
func (s *Server) shutdown() error {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("server stopped")
		return nil
	case <-time.After(s.shutdownTimeout):
		return fmt.Errorf("timed out after %s waiting for connection handlers", s.shutdownTimeout)
	}
}

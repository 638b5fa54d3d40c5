// Package api provides the HTTP plumbing shared by the services of an
// embedded broker: router middleware, response envelopes and a server
// that serves on a pre-bound listener.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/marmos91/embeddedbroker/internal/logger"
)

// Server serves an http.Handler on a listener bound by the caller.
//
// Binding is separated from serving so that a bind failure surfaces
// synchronously to whoever starts the service.
type Server struct {
	name   string
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	serveErr error

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a new HTTP server in a stopped state.
func NewServer(name string, handler http.Handler, cfg ServerConfig) *Server {
	cfg.applyDefaults()

	return &Server{
		name: name,
		server: &http.Server{
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Listen binds addr and starts serving in the background. It returns once
// the socket is bound.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", s.name, addr, err)
	}
	s.Serve(ln)
	return nil
}

// Serve starts serving on ln in the background.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	logger.Debug("HTTP server listening", logger.KeyComponent, s.name, logger.KeyAddr, ln.Addr().String())

	go func() {
		defer close(done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", logger.KeyComponent, s.name, logger.KeyError, err)
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop initiates graceful shutdown of the server and waits for the serve
// loop to exit. If ctx expires first, remaining connections are closed
// forcibly.
//
// Stop is safe to call multiple times; later calls return the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()

		if err := s.server.Shutdown(ctx); err != nil {
			_ = s.server.Close()
			s.shutdownErr = fmt.Errorf("%s shutdown error: %w", s.name, err)
		}
		if done != nil {
			<-done
		}

		s.mu.Lock()
		if s.shutdownErr == nil && s.serveErr != nil {
			s.shutdownErr = fmt.Errorf("%s serve error: %w", s.name, s.serveErr)
		}
		s.mu.Unlock()

		logger.Debug("HTTP server stopped", logger.KeyComponent, s.name)
	})
	return s.shutdownErr
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"mnemosyne/internal/limits"
)

const defaultGracefulTimeout = 10 * time.Second

type Options struct {
	Limits          limits.Limits
	GracefulTimeout time.Duration
	CloseIdle       []func()
	Logger          zerolog.Logger
}

// Server owns the listener. HTTP/2 is served over cleartext (h2c) as well as
// HTTP/1.1; TLS termination belongs to the fronting load balancer.
type Server struct {
	Addr string

	httpServer      *http.Server
	ln              net.Listener
	gracefulTimeout time.Duration
	closeIdle       []func()
	log             zerolog.Logger
	shutdownOnce    sync.Once
	shutdownErr     error
}

// Start binds the listen address and serves in the background. A bind
// failure is a startup error the caller turns into a non-zero exit.
func Start(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	gracefulTimeout := options.GracefulTimeout
	if gracefulTimeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h2 := &http2.Server{}
	srv := &http.Server{
		Handler:           h2c.NewHandler(handler, h2),
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
	}

	server := &Server{
		Addr:            ln.Addr().String(),
		httpServer:      srv,
		ln:              ln,
		gracefulTimeout: gracefulTimeout,
		closeIdle:       options.CloseIdle,
		log:             options.Logger.With().Str("component", "server").Logger(),
	}
	go server.serve()
	return server, nil
}

func (s *Server) serve() {
	if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msg("server error")
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Shutdown stops accepting, drains in-flight requests within the graceful
// timeout, and drops idle upstream connections.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.gracefulTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if ctx.Err() != nil {
		_ = s.httpServer.Close()
	}

	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}
	return err
}

// Package server hosts an http.Handler on a listener obtained from the
// runtime capability. HTTP/2 is served over TLS via ALPN, and over
// cleartext via h2c prior knowledge, next to plain HTTP/1.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shuttlehq/shuttle/internal/utils"
	"github.com/shuttlehq/shuttle/logger"
	"github.com/shuttlehq/shuttle/rt"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefaultShutdownTimeout bounds how long Close waits for in-flight
// requests.
const DefaultShutdownTimeout = 10 * time.Second

// Options The Server instance options
type Options struct {
	// Addr to listen on, host:port. An empty or zero port picks a free one.
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read-header-timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout"`
	// DisableHTTP2 restricts the server to HTTP/1, dropping both the ALPN
	// offer and cleartext prior knowledge handling.
	DisableHTTP2 bool        `yaml:"disable-http2"`
	TLS          *tls.Config `yaml:"-"`
}

// Server wraps http.Server with runtime-sourced listeners and protocol
// setup matching the client side.
type Server struct {
	opt Options
	srv *http.Server

	mu sync.Mutex
	ln net.Listener
}

// New returns an unstarted Server for handler.
func New(handler http.Handler, opt Options) (*Server, error) {
	opt.ShutdownTimeout = utils.ZeroOr(opt.ShutdownTimeout, DefaultShutdownTimeout)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: opt.ReadHeaderTimeout,
	}
	if opt.TLS != nil {
		srv.TLSConfig = opt.TLS.Clone()
		if !opt.DisableHTTP2 {
			if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
				return nil, err
			}
		}
	} else if !opt.DisableHTTP2 {
		srv.Handler = h2c.NewHandler(handler, &http2.Server{})
	}
	return &Server{opt: opt, srv: srv}, nil
}

// Listen binds the server address without serving, so Addr is known
// before the first request.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := rt.Current().Listen("tcp", s.opt.Addr)
	if err != nil {
		return err
	}
	if s.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, s.srv.TLSConfig)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Shutdown or Close, binding first if
// Listen was not called. It always returns a non-nil error; after a
// clean shutdown that error is http.ErrServerClosed.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	logger.Infof("listening on %s", ln.Addr())
	return s.srv.Serve(ln)
}

// Start serves in the background, returning once the address is bound.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	rt.Current().Go(func() {
		if err := s.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serve: %s", err)
		}
	})
	return nil
}

// Shutdown stops accepting and waits for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("server shutting down")
	return s.srv.Shutdown(ctx)
}

// Close shuts down gracefully within the configured timeout, then tears
// down whatever is left.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return s.srv.Close()
	}
	return nil
}

package capture

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/contact-relay/internal/provider"
)

const (
	// DefaultMaxMessageSize is the SIZE limit applied when none is configured.
	DefaultMaxMessageSize = 10 * 1024 * 1024

	// DefaultIdleTimeout closes connections that send nothing for this long.
	DefaultIdleTimeout = 60 * time.Second

	shutdownTimeout = 10 * time.Second
)

// ServerConfig holds the configuration for a capture relay.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on, e.g. "127.0.0.1:2525".
	ListenAddr string

	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	// Sink receives every accepted message.
	Sink provider.Provider

	// TLSConfig enables STARTTLS, or wraps the listener when ImplicitTLS
	// is set. Nil disables TLS.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AuthUsername and AuthPassword require SMTP AUTH when both are set.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64
	IdleTimeout    time.Duration
}

// Server is a capture relay: it speaks enough SMTP for submission clients
// and forwards each parsed message to the configured sink.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	wg sync.WaitGroup
}

// New creates a Server. It does not start listening.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// Listen binds the configured address. Calling it before Serve lets callers
// learn the bound address through Addr when listening on port 0.
func (s *Server) Listen() error {
	if s.config.ImplicitTLS && s.config.TLSConfig == nil {
		return errors.New("implicit TLS requires a TLS configuration")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	if s.config.ImplicitTLS {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is cancelled,
// then stops accepting and waits a bounded time for open sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("capture relay is not listening")
	}

	slog.Info("capture relay listening",
		"addr", ln.Addr().String(),
		"sink", s.config.Sink.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"implicit_tls", s.config.ImplicitTLS,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down capture relay")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Warn("capture accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, sessionConfig{
				hostname:    s.config.Hostname,
				auth:        s.auth,
				sink:        s.config.Sink,
				tlsConfig:   s.config.TLSConfig,
				tlsActive:   s.config.ImplicitTLS,
				maxSize:     s.config.MaxMessageSize,
				idleTimeout: s.config.IdleTimeout,
			}).handle(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("capture relay shutdown timeout reached, abandoning sessions")
	}
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

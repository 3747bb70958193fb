// Package httpsubstrate provides the shared non-blocking HTTP client and
// server substrate used by SMSC drivers and box-side admin APIs (spec
// §2.10): a keep-alive connection pool for outbound requests and a
// lightweight wrapper for inbound webhook servers with bounded shutdown.
//
// Go's net/http already schedules connections cooperatively (one goroutine
// per connection, multiplexed by the runtime rather than by an explicit
// poll loop), so this package does not reimplement §5's "poll loop for
// HTTP" literally — it configures net/http's own pooling/keep-alive knobs
// to the same effect spec.md describes, the way the teacher configures its
// own outbound HTTP client in `internal/api` rather than hand-rolling one.
package httpsubstrate

import (
	"context"
	"net"
	"net/http"
	"time"
)

// ClientConfig bounds the keep-alive pool for outbound requests.
type ClientConfig struct {
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	RequestTimeout      time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         5 * time.Second,
		RequestTimeout:      15 * time.Second,
	}
}

// NewClient builds an *http.Client with a pooled, keep-alive transport
// sized by cfg, shared across every outbound call a driver makes so
// repeated sends to the same SMSC endpoint reuse connections instead of
// paying a new TCP+TLS handshake per message.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}

// ServerConfig configures an inbound webhook/admin listener.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Server wraps an *http.Server with a bounded graceful Shutdown, used by
// the driver webhooks; the admin API runs its own http.Server.
type Server struct {
	cfg  ServerConfig
	srv  *http.Server
	errc chan error
}

func NewServer(cfg ServerConfig, handler http.Handler) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		errc: make(chan error, 1),
	}
}

// Start begins serving in the background; errors other than
// http.ErrServerClosed are delivered to Err().
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errc <- err
		}
	}()
}

// Err returns a channel that receives a fatal listen error, if any.
func (s *Server) Err() <-chan error { return s.errc }

// Shutdown stops accepting new connections and waits up to
// cfg.ShutdownTimeout for in-flight requests to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Package server opens the listeners registered by the endpoint binder and
// serves HTTP on them, presenting each endpoint's own certificate for TLS.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/certbind/internal/certificates"
	"github.com/wolfeidau/certbind/internal/endpoints"
	"github.com/wolfeidau/certbind/internal/telemetry"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice or Listen is called after Start.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNoEndpoints is returned by Start when nothing was registered.
	ErrNoEndpoints = errors.New("no endpoints registered")
)

var _ endpoints.ServerOptions = (*Server)(nil)

// Server collects endpoint registrations and serves one handler on all of them.
type Server struct {
	mu        sync.Mutex
	handler   http.Handler
	maxConns  int
	endpoints []*endpoint
	http      *http.Server
	group     *errgroup.Group
	started   bool
	stopped   bool
}

type endpoint struct {
	addr     netip.AddrPort
	identity *certificates.Identity
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConnections caps concurrently accepted connections per endpoint. Zero means no limit.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// New creates a server for handler. Endpoints are added with Listen.
func New(handler http.Handler, opts ...Option) *Server {
	s := &Server{handler: handler}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen registers an endpoint. The listener is opened by Start.
func (s *Server) Listen(addr netip.Addr, port uint16, configure func(endpoints.ListenOptions)) {
	ep := &endpoint{addr: netip.AddrPortFrom(addr, port)}
	if configure != nil {
		configure(listenOptions{ep: ep})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, ep)
}

type listenOptions struct {
	ep *endpoint
}

func (o listenOptions) UseHTTPS(id *certificates.Identity) {
	o.ep.identity = id
}

// Start opens every registered listener and begins serving in the background.
// If any listener fails to open, those already opened are closed and the
// identities remain owned by the server until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if len(s.endpoints) == 0 {
		return ErrNoEndpoints
	}

	log := zerolog.Ctx(ctx)

	var lc net.ListenConfig
	for _, ep := range s.endpoints {
		ln, err := lc.Listen(ctx, "tcp", ep.addr.String())
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", ep.addr, err)
		}
		if s.maxConns > 0 {
			ln = netutil.LimitListener(ln, s.maxConns)
		}
		if ep.identity != nil {
			ln = tls.NewListener(ln, tlsConfig(ep.identity))
		}
		ep.listener = ln
	}

	s.http = configureHTTPServer(s.handler, newErrorLog(log))
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	s.group = &errgroup.Group{}
	for _, ep := range s.endpoints {
		ln := ep.listener
		s.group.Go(func() error {
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})

		telemetry.GetMetrics().EndpointsBound.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("tls", ep.identity != nil)))

		event := log.Info().Str("address", ln.Addr().String()).Bool("tls", ep.identity != nil)
		if ep.identity != nil {
			event = event.Str("subject", ep.identity.Subject())
		}
		event.Msg("Listening")
	}

	s.started = true
	return nil
}

// Addresses returns the bound address of each endpoint in registration order.
// Ports requested as zero report the port chosen by the system.
func (s *Server) Addresses() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ep.listener != nil {
			addrs = append(addrs, ep.listener.Addr())
		}
	}
	return addrs
}

// Serve starts the server and blocks until ctx is cancelled or a listener
// fails, then shuts down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return errors.Join(err, s.Shutdown(context.Background()))
	}

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	var serveErr error
	select {
	case <-ctx.Done():
		zerolog.Ctx(ctx).Info().Msg("Shutting down")
	case serveErr = <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// Shutdown stops accepting connections, waits for active requests up to the
// deadline of ctx, and closes every identity handed over by the binder. It is
// safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	} else {
		s.closeListeners()
	}

	for _, ep := range s.endpoints {
		if s.started {
			telemetry.GetMetrics().EndpointsBound.Add(ctx, -1,
				metric.WithAttributes(attribute.Bool("tls", ep.identity != nil)))
		}
		if ep.identity != nil {
			if err := ep.identity.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (s *Server) closeListeners() {
	for _, ep := range s.endpoints {
		if ep.listener != nil {
			_ = ep.listener.Close()
			ep.listener = nil
		}
	}
}

func tlsConfig(id *certificates.Identity) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return id.Certificate()
		},
	}
}

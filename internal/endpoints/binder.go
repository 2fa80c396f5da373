// Package endpoints binds the endpoints declared in configuration to a server,
// resolving the TLS identity of each endpoint through a certificate resolver.
package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/certbind/internal/certificates"
	"github.com/wolfeidau/certbind/internal/config"
	"github.com/wolfeidau/certbind/internal/telemetry"
)

// DefaultSection is the configuration section listing endpoints.
const DefaultSection = "Kestrel:EndPoints"

// ErrEndpointBindingFailed is matched by every error returned from Bind.
var ErrEndpointBindingFailed = errors.New("endpoint binding failed")

// ConfigurationHint describes the expected endpoint shape and is appended to
// every Error message.
const ConfigurationHint = "an endpoint needs Address (an IP literal) and Port (0-65535); " +
	"Certificate is either the name of an entry under Certificates:<name> " +
	"or an inline section with Source: File (Path, Password) or Source: Store (Subject, StoreName, StoreLocation, AllowInvalid)"

// Error names the endpoint that could not be bound and keeps the cause.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to bind endpoint %q: %v (%s)", e.Key, e.Err, ConfigurationHint)
}

func (e *Error) Unwrap() []error {
	return []error{ErrEndpointBindingFailed, e.Err}
}

// ListenOptions configures connections accepted on one endpoint.
type ListenOptions interface {
	// UseHTTPS presents id on every connection accepted by this endpoint only.
	// Ownership of id passes to the implementation.
	UseHTTPS(id *certificates.Identity)
}

// ServerOptions registers listening endpoints.
type ServerOptions interface {
	Listen(addr netip.Addr, port uint16, configure func(ListenOptions))
}

// CertificateResolver resolves a certificate reference into identities.
type CertificateResolver interface {
	Resolve(ctx context.Context, node *config.Node) ([]*certificates.Identity, error)
}

// Spec is one endpoint declaration as read from configuration.
type Spec struct {
	Key         string
	Address     string
	Port        string
	Certificate *config.Node
}

// Resolved is an endpoint ready to be registered. Identity is nil for plaintext.
type Resolved struct {
	Key      string
	Address  netip.Addr
	Port     uint16
	Identity *certificates.Identity
}

// TLS reports whether the endpoint serves TLS.
func (r Resolved) TLS() bool {
	return r.Identity != nil
}

// AddrPort returns the listening address.
func (r Resolved) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(r.Address, r.Port)
}

// ParseSpec reads Address, Port and Certificate from an endpoint node. Values
// stay textual until Bind parses them.
func ParseSpec(node *config.Node) Spec {
	spec := Spec{
		Key:     node.Key(),
		Address: node.Get("Address"),
		Port:    node.Get("Port"),
	}
	if cert, ok := node.Child("Certificate"); ok && hasReference(cert) {
		spec.Certificate = cert
	}
	return spec
}

// hasReference treats an empty scalar with no children as no certificate.
func hasReference(node *config.Node) bool {
	if len(node.Children()) > 0 {
		return true
	}
	v, _ := node.Value()
	return v != ""
}

// Bind resolves every child of section and registers it with opts, in
// declaration order. All endpoints are resolved before any is registered, so
// on failure opts is left untouched and the identities resolved so far are
// closed. The error names the failing endpoint.
func Bind(ctx context.Context, opts ServerOptions, section *config.Node, resolver CertificateResolver) ([]Resolved, error) {
	var resolved []Resolved
	for _, node := range section.Children() {
		r, err := resolve(ctx, ParseSpec(node), resolver)
		if err != nil {
			closeIdentities(resolved)
			telemetry.GetMetrics().EndpointErrorsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("endpoint", node.Key())))
			return nil, err
		}
		resolved = append(resolved, r)
	}

	log := zerolog.Ctx(ctx)
	for _, r := range resolved {
		id := r.Identity
		opts.Listen(r.Address, r.Port, func(lo ListenOptions) {
			if id != nil {
				lo.UseHTTPS(id)
			}
		})

		event := log.Info().
			Str("endpoint", r.Key).
			Str("address", r.AddrPort().String()).
			Bool("tls", r.TLS())
		if id != nil {
			event = event.Str("subject", id.Subject()).Str("thumbprint", id.Thumbprint())
		}
		event.Msg("endpoint configured")
	}

	return resolved, nil
}

func resolve(ctx context.Context, spec Spec, resolver CertificateResolver) (Resolved, error) {
	addr, err := netip.ParseAddr(spec.Address)
	if err != nil {
		return Resolved{}, &Error{Key: spec.Key, Err: fmt.Errorf("%w: invalid Address %q: %w",
			certificates.ErrInvalidConfiguration, spec.Address, err)}
	}

	port, err := strconv.ParseUint(spec.Port, 10, 16)
	if err != nil {
		return Resolved{}, &Error{Key: spec.Key, Err: fmt.Errorf("%w: invalid Port %q: %w",
			certificates.ErrInvalidConfiguration, spec.Port, err)}
	}

	r := Resolved{Key: spec.Key, Address: addr, Port: uint16(port)}
	if spec.Certificate == nil {
		return r, nil
	}

	ids, err := resolver.Resolve(ctx, spec.Certificate)
	if err != nil {
		return Resolved{}, &Error{Key: spec.Key, Err: err}
	}
	if len(ids) == 0 {
		return Resolved{}, &Error{Key: spec.Key, Err: fmt.Errorf("%w: %s resolved to no certificate",
			certificates.ErrCertificateNotFound, spec.Certificate.Path())}
	}

	// One identity per endpoint; the rest are released.
	if len(ids) > 1 {
		zerolog.Ctx(ctx).Warn().
			Str("endpoint", spec.Key).
			Int("count", len(ids)).
			Str("using", ids[0].Subject()).
			Msg("certificate reference resolved to several identities, only the first is used")
		for _, extra := range ids[1:] {
			_ = extra.Close()
		}
	}

	r.Identity = ids[0]
	return r, nil
}

func closeIdentities(resolved []Resolved) {
	for _, r := range resolved {
		if r.Identity != nil {
			_ = r.Identity.Close()
		}
	}
}

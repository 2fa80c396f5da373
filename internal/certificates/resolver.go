// Package certificates resolves certificate references in configuration into
// loaded TLS identities.
//
// A reference is either a name (or several, separated by whitespace) looked up
// in the named certificates section, an inline declaration carrying a Source
// key, or a section whose children are inline declarations.
package certificates

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/config"
	"github.com/wolfeidau/certbind/internal/pki"
	"github.com/wolfeidau/certbind/internal/telemetry"
)

// DefaultSection is the configuration section holding named certificates.
const DefaultSection = "Certificates"

// Resolver loads certificates described by configuration. It keeps no state
// between calls besides its immutable options.
type Resolver struct {
	named   *config.Node
	store   certstore.Store
	roots   *x509.CertPool
	now     func() time.Time
	baseDir string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStore sets the certificate store used for Store declarations.
func WithStore(store certstore.Store) Option {
	return func(r *Resolver) {
		r.store = store
	}
}

// WithRoots sets the trust roots used to decide whether a store entry is
// valid. A nil pool uses the system roots.
func WithRoots(roots *x509.CertPool) Option {
	return func(r *Resolver) {
		r.roots = roots
	}
}

// WithClock overrides the time used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithBaseDir resolves relative file paths against dir.
func WithBaseDir(dir string) Option {
	return func(r *Resolver) {
		r.baseDir = dir
	}
}

// NewResolver creates a resolver looking up names in the named section, which
// may be nil or missing when only inline declarations are used.
func NewResolver(named *config.Node, opts ...Option) *Resolver {
	r := &Resolver{
		named: named,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = defaultStore{}
	}
	return r
}

// ResolveByName loads the certificate declared as a child of the named section.
func (r *Resolver) ResolveByName(ctx context.Context, name string) (*Identity, error) {
	if !r.named.Exists() {
		err := fmt.Errorf("%w: %q: no named certificates section is configured", ErrCertificateNotFound, name)
		r.recordFailure(ctx, err)
		return nil, err
	}

	child, ok := r.named.Child(name)
	if !ok {
		err := fmt.Errorf("%w: %q is not declared in %s", ErrCertificateNotFound, name, r.named.Path())
		r.recordFailure(ctx, err)
		return nil, err
	}

	return r.resolveSpec(ctx, child)
}

// Resolve loads every certificate referenced by node, in declaration order.
// A node without a value or children yields an empty slice. When any
// certificate fails, those already loaded are closed and the error returned.
func (r *Resolver) Resolve(ctx context.Context, node *config.Node) ([]*Identity, error) {
	if value, ok := node.Value(); ok {
		var ids []*Identity
		for _, name := range strings.Fields(value) {
			id, err := r.ResolveByName(ctx, name)
			if err != nil {
				closeAll(ids)
				return nil, fmt.Errorf("%s: %w", node.Path(), err)
			}
			ids = append(ids, id)
		}
		if ids == nil {
			ids = []*Identity{}
		}
		return ids, nil
	}

	if _, ok := node.Child(SourceKey); ok {
		id, err := r.resolveSpec(ctx, node)
		if err != nil {
			return nil, err
		}
		return []*Identity{id}, nil
	}

	ids := []*Identity{}
	for _, child := range node.Children() {
		id, err := r.resolveSpec(ctx, child)
		if err != nil {
			closeAll(ids)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ResolveAll loads every certificate in the named section keyed by name.
func (r *Resolver) ResolveAll(ctx context.Context) (map[string]*Identity, error) {
	out := make(map[string]*Identity)
	for _, child := range r.named.Children() {
		id, err := r.resolveSpec(ctx, child)
		if err != nil {
			for _, loaded := range out {
				_ = loaded.Close()
			}
			return nil, err
		}
		out[child.Key()] = id
	}
	return out, nil
}

func (r *Resolver) resolveSpec(ctx context.Context, node *config.Node) (*Identity, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "certificates.resolve",
		trace.WithAttributes(attribute.String("config.path", node.Path())))
	defer span.End()

	started := time.Now()

	spec, err := ParseSpec(node)
	if err != nil {
		r.fail(ctx, span, err)
		return nil, err
	}

	var (
		id   *Identity
		kind string
	)
	switch s := spec.(type) {
	case FileSpec:
		kind = "file"
		id, err = r.loadFile(ctx, node, s)
	case StoreSpec:
		kind = "store"
		id, err = r.loadStore(ctx, node, s)
	}
	if err != nil {
		r.fail(ctx, span, err)
		return nil, err
	}

	r.recordSuccess(ctx, node, kind, id, time.Since(started))
	span.SetAttributes(
		attribute.String("certificate.subject", id.Subject()),
		attribute.String("certificate.thumbprint", id.Thumbprint()),
	)

	return id, nil
}

func (r *Resolver) loadFile(ctx context.Context, node *config.Node, spec FileSpec) (*Identity, error) {
	path := spec.Path
	if r.baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(r.baseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", node.Path(), &LoadError{Path: path, Err: err})
	}

	// PKCS#12 first, then a PEM bundle; the first success wins
	bundle, pfxErr := pki.DecodePFX(data, spec.Password)
	if pfxErr != nil {
		var pemErr error
		bundle, pemErr = pki.ParsePEMBundle(data, spec.Password)
		if pemErr != nil {
			return nil, fmt.Errorf("%s: %w", node.Path(),
				&LoadError{Path: path, Err: errors.Join(pfxErr, pemErr)})
		}
		zerolog.Ctx(ctx).Debug().Err(pfxErr).Str("path", path).Msg("loaded certificate as PEM bundle")
	}

	id, err := newIdentity(bundle.TLSCertificate(), "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", node.Path(), &LoadError{Path: path, Err: err})
	}
	return id, nil
}

func (r *Resolver) loadStore(ctx context.Context, node *config.Node, spec StoreSpec) (*Identity, error) {
	log := zerolog.Ctx(ctx)

	coll, err := r.store.Open(ctx, spec.StoreName, spec.StoreLocation)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to open store %s/%s: %w",
			ErrCertificateLoadFailed, node.Path(), spec.StoreLocation, spec.StoreName, err)
	}
	defer func() {
		if err := coll.Close(); err != nil {
			log.Warn().Err(err).Str("store", spec.StoreName).Msg("failed to close certificate store")
		}
	}()

	matches, err := coll.Find(ctx, spec.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to search store %s/%s: %w",
			ErrCertificateLoadFailed, node.Path(), spec.StoreLocation, spec.StoreName, err)
	}

	metrics := telemetry.GetMetrics()
	storeAttrs := metric.WithAttributes(
		attribute.String("store", spec.StoreName),
		attribute.String("location", spec.StoreLocation.String()),
	)
	metrics.StoreCandidatesTotal.Add(ctx, int64(len(matches)), storeAttrs)

	var best *certstore.Entry
	for i := range matches {
		entry := &matches[i]
		if !spec.AllowInvalid {
			if err := r.verify(entry); err != nil {
				metrics.StoreRejectedTotal.Add(ctx, 1, storeAttrs)
				log.Debug().Err(err).Str("subject", spec.Subject).Str("ref", entry.Ref).Msg("skipping invalid store certificate")
				continue
			}
		}
		if best == nil || entry.Leaf().NotAfter.After(best.Leaf().NotAfter) {
			best = entry
		}
	}

	if best == nil {
		qualifier := "valid "
		if spec.AllowInvalid {
			qualifier = ""
		}
		return nil, fmt.Errorf("%w: %s: no %scertificate with subject %q in store %s/%s",
			ErrCertificateNotFound, node.Path(), qualifier, spec.Subject, spec.StoreLocation, spec.StoreName)
	}

	id, err := newIdentity(best.Certificate,
		fmt.Sprintf("store:%s/%s/%s", spec.StoreLocation, spec.StoreName, best.Ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCertificateLoadFailed, node.Path(), err)
	}
	return id, nil
}

// verify checks the validity period at the resolver clock and builds a chain
// to the trust roots using the intermediates held by the entry.
func (r *Resolver) verify(entry *certstore.Entry) error {
	leaf := entry.Leaf()
	if leaf == nil {
		return pki.ErrNoCertificate
	}

	now := r.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("certificate is outside its validity period %s - %s",
			leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
	}

	intermediates := x509.NewCertPool()
	for i := 1; i < len(entry.Certificate.Certificate); i++ {
		cert, err := x509.ParseCertificate(entry.Certificate.Certificate[i])
		if err != nil {
			return err
		}
		intermediates.AddCert(cert)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         r.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

func (r *Resolver) fail(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, errorClass(err))
	r.recordFailure(ctx, err)
}

func (r *Resolver) recordFailure(ctx context.Context, err error) {
	telemetry.GetMetrics().CertificateFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("class", errorClass(err))))
	zerolog.Ctx(ctx).Debug().Err(err).Msg("certificate resolution failed")
}

func (r *Resolver) recordSuccess(ctx context.Context, node *config.Node, kind string, id *Identity, took time.Duration) {
	metrics := telemetry.GetMetrics()
	metrics.CertificateResolutionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", kind)))
	metrics.CertificateLoadDuration.Record(ctx, float64(took.Milliseconds()), metric.WithAttributes(attribute.String("source", kind)))
	metrics.CertificateExpirySeconds.Record(ctx, id.NotAfter().Sub(r.now()).Seconds(),
		metric.WithAttributes(attribute.String("subject", id.Subject()), attribute.String("thumbprint", id.Thumbprint())))

	zerolog.Ctx(ctx).Info().
		Str("config_path", node.Path()).
		Str("source", id.Source()).
		Str("subject", id.Subject()).
		Str("thumbprint", id.Thumbprint()).
		Time("not_after", id.NotAfter()).
		Msg("certificate resolved")
}

// defaultStore opens the directory store with the default roots on first use.
type defaultStore struct{}

func (defaultStore) Open(ctx context.Context, name string, location certstore.Location) (certstore.Collection, error) {
	store, err := certstore.DefaultDirStore()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, name, location)
}

package certificates

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/config"
	"github.com/wolfeidau/certbind/internal/pki"
)

type fixture struct {
	t     *testing.T
	ca    *pki.FileSigner
	roots *x509.CertPool
	now   time.Time
	dir   string
	store *trackingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ca, err := pki.GenerateCA(pkix.Name{CommonName: "Resolver Test CA"}, 30*24*time.Hour)
	require.NoError(t, err)

	caCert, err := ca.GetCACertificate()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	return &fixture{
		t:     t,
		ca:    ca,
		roots: roots,
		now:   time.Now(),
		dir:   t.TempDir(),
		store: &trackingStore{MemoryStore: certstore.NewMemoryStore()},
	}
}

func (f *fixture) issue(cn string, notBefore, notAfter time.Time) *pki.Bundle {
	f.t.Helper()

	bundle, err := pki.IssueServerCertificate(f.ca, pki.ServerCertificateRequest{
		Subject:   pkix.Name{CommonName: cn},
		DNSNames:  []string{"localhost"},
		NotBefore: notBefore,
		NotAfter:  notAfter,
	})
	require.NoError(f.t, err)
	return bundle
}

// valid issues a certificate valid now and expiring after d.
func (f *fixture) valid(cn string, d time.Duration) *pki.Bundle {
	return f.issue(cn, f.now.Add(-time.Hour), f.now.Add(d))
}

func (f *fixture) writePFX(name, password string, bundle *pki.Bundle) string {
	f.t.Helper()

	data, err := pki.EncodePFX(bundle, password)
	require.NoError(f.t, err)
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, data, 0600))
	return path
}

func (f *fixture) writePEM(name string, bundle *pki.Bundle) string {
	f.t.Helper()

	data, err := pki.EncodePEM(bundle)
	require.NoError(f.t, err)
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, data, 0600))
	return path
}

func (f *fixture) importStore(name string, loc certstore.Location, bundles ...*pki.Bundle) {
	f.t.Helper()

	for _, b := range bundles {
		_, err := f.store.Import(context.Background(), name, loc, b)
		require.NoError(f.t, err)
	}
}

func (f *fixture) resolver(named *config.Node, opts ...Option) *Resolver {
	base := []Option{WithStore(f.store), WithRoots(f.roots), WithClock(func() time.Time { return f.now })}
	return NewResolver(named, append(base, opts...)...)
}

func load(t *testing.T, values map[string]string) *config.Node {
	t.Helper()

	root, err := config.Load(config.Map(values))
	require.NoError(t, err)
	return root
}

// trackingStore counts collections so tests can check every handle is closed.
type trackingStore struct {
	*certstore.MemoryStore
	opened atomic.Int32
	closed atomic.Int32
}

func (s *trackingStore) Open(ctx context.Context, name string, loc certstore.Location) (certstore.Collection, error) {
	coll, err := s.MemoryStore.Open(ctx, name, loc)
	if err != nil {
		return nil, err
	}
	s.opened.Add(1)
	return &trackingCollection{Collection: coll, store: s}, nil
}

type trackingCollection struct {
	certstore.Collection
	store *trackingStore
}

func (c *trackingCollection) Close() error {
	c.store.closed.Add(1)
	return c.Collection.Close()
}

func (s *trackingStore) requireBalanced(t *testing.T) {
	t.Helper()
	require.Equal(t, s.opened.Load(), s.closed.Load(), "every opened store collection must be closed")
}

package certificates

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
	"time"

	"github.com/wolfeidau/certbind/internal/pki"
)

// Identity is a loaded certificate chain with its private key. The caller that
// receives an Identity owns it and must Close it when it is no longer served.
type Identity struct {
	mu     sync.RWMutex
	cert   *tls.Certificate // nil once closed
	leaf   *x509.Certificate
	source string
}

func newIdentity(cert tls.Certificate, source string) (*Identity, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return nil, pki.ErrNoCertificate
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, err
		}
		leaf = parsed
	}

	// copy so the identity does not share slices with the store entry
	owned := tls.Certificate{
		Certificate: append([][]byte(nil), cert.Certificate...),
		PrivateKey:  cert.PrivateKey,
		Leaf:        leaf,
	}

	return &Identity{cert: &owned, leaf: leaf, source: source}, nil
}

// Certificate returns the TLS certificate to present, or ErrIdentityClosed.
func (id *Identity) Certificate() (*tls.Certificate, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if id.cert == nil {
		return nil, ErrIdentityClosed
	}
	return id.cert, nil
}

// Leaf returns the end-entity certificate. It stays readable after Close.
func (id *Identity) Leaf() *x509.Certificate {
	return id.leaf
}

// Subject returns the RFC 2253 rendering of the leaf subject.
func (id *Identity) Subject() string {
	return id.leaf.Subject.String()
}

// Thumbprint returns the upper-case hex SHA-1 digest of the leaf.
func (id *Identity) Thumbprint() string {
	return pki.Thumbprint(id.leaf)
}

// Fingerprint returns the base58 SHA-256 digest of the leaf.
func (id *Identity) Fingerprint() string {
	return pki.Fingerprint(id.leaf)
}

// NotAfter returns the expiry of the leaf.
func (id *Identity) NotAfter() time.Time {
	return id.leaf.NotAfter
}

// Source describes where the identity was loaded from, for logs.
func (id *Identity) Source() string {
	return id.source
}

// Closed reports whether Close has been called.
func (id *Identity) Closed() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()

	return id.cert == nil
}

// Close drops the private key material. It is safe to call more than once.
func (id *Identity) Close() error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.cert != nil {
		id.cert.PrivateKey = nil
		id.cert = nil
	}
	return nil
}

// closeAll closes every identity, used when a multi-certificate resolution fails.
func closeAll(ids []*Identity) {
	for _, id := range ids {
		_ = id.Close()
	}
}

package pki

import (
	"crypto/x509"
)

// CASigner signs certificate templates to create certificates.
// Implementations include FileSigner, loaded from PEM files or generated in memory
// for development.
type CASigner interface {
	// SignCertificate signs a certificate template and returns the DER-encoded certificate bytes.
	// The template must be fully populated with all required fields (subject, validity, extensions, etc.)
	// and carry the public key of the subject in PublicKey.
	SignCertificate(template *x509.Certificate) ([]byte, error)

	// GetCACertificate returns the CA certificate (public key only).
	// This is used for building certificate chains and verification.
	GetCACertificate() (*x509.Certificate, error)
}

package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// FileSigner implements CASigner using a CA private key held in process memory,
// either read from PEM files or generated on the fly.
// This is intended for local development only - not for production use.
type FileSigner struct {
	caKey  crypto.Signer
	caCert *x509.Certificate
}

// NewFileSigner creates a new FileSigner from PEM-encoded key and certificate files.
// The caKeyPath must point to a PEM-encoded ECDSA, RSA or Ed25519 private key.
// The caCertPath must point to a PEM-encoded X.509 certificate.
func NewFileSigner(caKeyPath, caCertPath string) (*FileSigner, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	return NewFileSignerFromPEM(keyData, certData)
}

// NewFileSignerFromPEM creates a FileSigner from in-memory PEM data.
func NewFileSignerFromPEM(keyPEM, certPEM []byte) (*FileSigner, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := parsePrivateKey(keyBlock.Type, keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA cert PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	// Verify key and cert match
	if err := VerifyKeyPair(caCert, caKey); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}

	signer, ok := caKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key cannot sign")
	}

	return &FileSigner{
		caKey:  signer,
		caCert: caCert,
	}, nil
}

// GenerateCA creates a self-signed ECDSA P-256 CA valid for the given duration.
func GenerateCA(subject pkix.Name, validFor time.Duration) (*FileSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &FileSigner{caKey: key, caCert: caCert}, nil
}

// SignCertificate signs a certificate template using the CA private key.
// Returns DER-encoded certificate bytes.
func (s *FileSigner) SignCertificate(template *x509.Certificate) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, s.caCert, template.PublicKey, s.caKey)
}

// GetCACertificate returns the CA certificate.
func (s *FileSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// WritePEM writes the CA key and certificate so they can be reloaded with NewFileSigner.
func (s *FileSigner) WritePEM(caKeyPath, caCertPath string) error {
	keyPEM, err := EncodePrivateKeyPEM(s.caKey)
	if err != nil {
		return err
	}

	if err := os.WriteFile(caKeyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA key file: %w", err)
	}

	if err := os.WriteFile(caCertPath, EncodeCertificatesPEM(s.caCert), 0644); err != nil {
		return fmt.Errorf("failed to write CA cert file: %w", err)
	}

	return nil
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

// VerifyKeyPair checks that a certificate's public key matches a private key.
func VerifyKeyPair(cert *x509.Certificate, key crypto.PrivateKey) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key type %T is not supported", key)
	}

	pub, ok := signer.Public().(publicKeyEqualer)
	if !ok {
		return fmt.Errorf("public key type %T is not supported", signer.Public())
	}

	if !pub.Equal(cert.PublicKey) {
		return fmt.Errorf("public keys do not match")
	}

	return nil
}

package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // store thumbprints are SHA-1 by convention
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	// ErrNoCertificate is returned when a bundle holds no certificate.
	ErrNoCertificate = errors.New("no certificate found")

	// ErrNoPrivateKey is returned when a bundle holds no private key.
	ErrNoPrivateKey = errors.New("no private key found")

	// ErrKeyMismatch is returned when no certificate in a bundle matches its private key.
	ErrKeyMismatch = errors.New("no certificate matches the private key")

	// ErrUnsupportedKey is returned for private key encodings that cannot be read.
	ErrUnsupportedKey = errors.New("unsupported private key")
)

// Bundle is a certificate chain with the private key of its leaf.
// Certificates[0] is always the leaf.
type Bundle struct {
	Certificates []*x509.Certificate
	PrivateKey   crypto.PrivateKey
}

// Leaf returns the end-entity certificate.
func (b *Bundle) Leaf() *x509.Certificate {
	if b == nil || len(b.Certificates) == 0 {
		return nil
	}
	return b.Certificates[0]
}

// TLSCertificate converts the bundle to a tls.Certificate with Leaf populated.
func (b *Bundle) TLSCertificate() tls.Certificate {
	cert := tls.Certificate{
		PrivateKey: b.PrivateKey,
		Leaf:       b.Leaf(),
	}
	for _, c := range b.Certificates {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert
}

// DecodePFX decodes a PKCS#12 archive holding one private key and its chain.
// A wrong password is reported as pkcs12.ErrIncorrectPassword.
func DecodePFX(data []byte, password string) (*Bundle, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 data: %w", err)
	}

	if err := VerifyKeyPair(leaf, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}

	return &Bundle{
		Certificates: append([]*x509.Certificate{leaf}, chain...),
		PrivateKey:   key,
	}, nil
}

// EncodePFX encodes the bundle as PKCS#12. An empty password produces a
// password-less archive.
func EncodePFX(b *Bundle, password string) ([]byte, error) {
	if b.Leaf() == nil {
		return nil, ErrNoCertificate
	}

	enc := pkcs12.Modern
	if password == "" {
		enc = pkcs12.Passwordless
	}

	data, err := enc.Encode(b.PrivateKey, b.Leaf(), b.Certificates[1:], password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 data: %w", err)
	}
	return data, nil
}

// ParsePEMBundle reads every certificate and the first private key from PEM
// data. Legacy encrypted keys (Proc-Type: 4,ENCRYPTED) are decrypted with
// password. The certificate matching the key is moved to the front.
func ParsePEMBundle(data []byte, password string) (*Bundle, error) {
	var (
		certs []*x509.Certificate
		key   crypto.PrivateKey
	)

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch {
		case block.Type == "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			if key != nil {
				continue
			}
			der := block.Bytes
			if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
				var err error
				der, err = x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
				if err != nil {
					return nil, fmt.Errorf("failed to decrypt private key: %w", err)
				}
			}
			parsed, err := parsePrivateKey(block.Type, der)
			if err != nil {
				return nil, err
			}
			key = parsed
		}
	}

	if len(certs) == 0 {
		return nil, ErrNoCertificate
	}
	if key == nil {
		return nil, ErrNoPrivateKey
	}

	for i, cert := range certs {
		if VerifyKeyPair(cert, key) != nil {
			continue
		}
		ordered := append([]*x509.Certificate{cert}, certs[:i]...)
		ordered = append(ordered, certs[i+1:]...)
		return &Bundle{Certificates: ordered, PrivateKey: key}, nil
	}

	return nil, ErrKeyMismatch
}

// EncodePEM encodes the chain followed by the private key in PKCS#8 form.
func EncodePEM(b *Bundle) ([]byte, error) {
	keyPEM, err := EncodePrivateKeyPEM(b.PrivateKey)
	if err != nil {
		return nil, err
	}
	return append(EncodeCertificatesPEM(b.Certificates...), keyPEM...), nil
}

// EncodeCertificatesPEM encodes certificates as consecutive CERTIFICATE blocks.
func EncodeCertificatesPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return buf.Bytes()
}

// EncodePrivateKeyPEM encodes a private key as a PKCS#8 PRIVATE KEY block.
func EncodePrivateKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Thumbprint returns the upper-case hex SHA-1 digest of the DER certificate.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) //nolint:gosec
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Fingerprint returns the base58 SHA-256 digest of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base58.Encode(sum[:])
}

func parsePrivateKey(blockType string, der []byte) (crypto.PrivateKey, error) {
	switch blockType {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(der)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(der)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, err
		}
		switch key.(type) {
		case *ecdsa.PrivateKey, *rsa.PrivateKey, ed25519.PrivateKey:
			return key, nil
		}
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, blockType)
}

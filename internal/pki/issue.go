package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // subject key identifier per RFC 5280 4.2.1.2
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// ErrInvalidSubject is returned when a distinguished name cannot be parsed.
var ErrInvalidSubject = errors.New("invalid subject distinguished name")

// ServerCertificateRequest describes a TLS server certificate to issue.
type ServerCertificateRequest struct {
	Subject     pkix.Name
	DNSNames    []string
	IPAddresses []net.IP
	NotBefore   time.Time
	NotAfter    time.Time
}

// IssueServerCertificate generates an ECDSA P-256 key and has signer issue a
// server authentication certificate for it. The returned bundle carries the
// leaf followed by the CA certificate.
func IssueServerCertificate(signer CASigner, req ServerCertificateRequest) (*Bundle, error) {
	if !req.NotAfter.After(req.NotBefore) {
		return nil, fmt.Errorf("certificate NotAfter %s must be after NotBefore %s", req.NotAfter, req.NotBefore)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	ski := sha1.Sum(pubDER) //nolint:gosec

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject,
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          ski[:],
		PublicKey:             &key.PublicKey,
	}

	der, err := signer.SignCertificate(template)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}

	caCert, err := signer.GetCACertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to get CA certificate: %w", err)
	}

	return &Bundle{
		Certificates: []*x509.Certificate{leaf, caCert},
		PrivateKey:   key,
	}, nil
}

// ParseDistinguishedName parses a comma separated DN such as "CN=localhost,O=Dev".
// Backslash escapes are honoured. Supported attributes are CN, O, OU, L, ST, C,
// STREET, POSTALCODE and SERIALNUMBER.
func ParseDistinguishedName(dn string) (pkix.Name, error) {
	var name pkix.Name
	for _, rdn := range splitEscaped(dn, ',') {
		attr, value, ok := strings.Cut(rdn, "=")
		if !ok {
			return pkix.Name{}, fmt.Errorf("%w: %q", ErrInvalidSubject, dn)
		}
		attr = strings.ToUpper(strings.TrimSpace(attr))
		value = unescapeDN(strings.TrimSpace(value))

		switch attr {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "C":
			name.Country = append(name.Country, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "SERIALNUMBER":
			name.SerialNumber = value
		default:
			return pkix.Name{}, fmt.Errorf("%w: unsupported attribute %q", ErrInvalidSubject, attr)
		}
	}

	if len(name.ToRDNSequence()) == 0 {
		return pkix.Name{}, fmt.Errorf("%w: %q", ErrInvalidSubject, dn)
	}
	return name, nil
}

func splitEscaped(s string, sep byte) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			cur.WriteByte(s[i])
			cur.WriteByte(s[i+1])
			i++
		case s[i] == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	if strings.TrimSpace(cur.String()) != "" || len(parts) > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func unescapeDN(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func newSerialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

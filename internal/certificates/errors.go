package certificates

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrInvalidConfiguration reports malformed or unrecognised certificate
	// configuration: a bad Source, an unknown StoreLocation or a missing field.
	ErrInvalidConfiguration = errors.New("invalid certificate configuration")

	// ErrCertificateNotFound reports a name or subject lookup without a match.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateLoadFailed reports an I/O or cryptographic failure while
	// loading a certificate.
	ErrCertificateLoadFailed = errors.New("certificate load failed")

	// ErrIdentityClosed is returned when a closed identity is used.
	ErrIdentityClosed = errors.New("certificate identity is closed")
)

// LoadError is returned when a certificate file cannot be read or decoded.
// It matches ErrCertificateLoadFailed and every underlying cause.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load certificate from %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrCertificateLoadFailed, e.Err}
}

// errorClass names the failure class for metrics and logs.
func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrCertificateNotFound):
		return "not_found"
	case errors.Is(err, ErrCertificateLoadFailed):
		return "load_failed"
	}
	return "unknown"
}

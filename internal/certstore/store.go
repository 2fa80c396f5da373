// Package certstore provides named certificate stores scoped by location.
//
// A store is opened per (name, location) and yields a Collection that must be
// closed once the caller has copied what it needs out of it.
package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/certbind/internal/pki"
)

// Errors
var (
	ErrUnknownLocation   = errors.New("unknown store location")
	ErrInvalidStoreName  = errors.New("invalid store name")
	ErrCollectionClosed  = errors.New("store collection is closed")
	ErrCertAlreadyExists = errors.New("certificate already exists")
)

// Location identifies the scope of a certificate store.
type Location int

const (
	CurrentUser Location = iota + 1
	LocalMachine
)

// ParseLocation parses a location name, ignoring case.
func ParseLocation(s string) (Location, error) {
	switch {
	case strings.EqualFold(s, "CurrentUser"):
		return CurrentUser, nil
	case strings.EqualFold(s, "LocalMachine"):
		return LocalMachine, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLocation, s)
}

func (l Location) String() string {
	switch l {
	case CurrentUser:
		return "CurrentUser"
	case LocalMachine:
		return "LocalMachine"
	}
	return fmt.Sprintf("Location(%d)", int(l))
}

// UnmarshalText lets kong and the config binder parse locations.
func (l *Location) UnmarshalText(text []byte) error {
	parsed, err := ParseLocation(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Entry is a certificate held in a store together with its private key.
type Entry struct {
	Certificate tls.Certificate

	// Ref identifies the entry inside its store (file name, row id, parameter name).
	Ref string
}

// Leaf returns the end-entity certificate of the entry.
func (e Entry) Leaf() *x509.Certificate {
	return e.Certificate.Leaf
}

// Store opens certificate collections by name and location.
type Store interface {
	// Open returns a read-only view over the named store. A store that does not
	// exist yet is returned as an empty collection.
	Open(ctx context.Context, name string, location Location) (Collection, error)
}

// Collection is an open, scoped handle on one store. Entries returned from it
// remain valid after Close.
type Collection interface {
	// Find returns the entries whose subject distinguished name equals subject,
	// in store order.
	Find(ctx context.Context, subject string) ([]Entry, error)

	// List returns every entry in store order.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}

// Importer is implemented by stores that accept new certificates.
type Importer interface {
	Import(ctx context.Context, name string, location Location, bundle *pki.Bundle) (Entry, error)
}

// ValidateName rejects store names that cannot be used as a single path segment.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\:`) {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

// SubjectOf renders the subject of a certificate the way stores match it.
func SubjectOf(cert *x509.Certificate) string {
	return cert.Subject.String()
}

// FilterSubject returns the entries matching subject exactly, keeping order.
func FilterSubject(entries []Entry, subject string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Leaf() != nil && SubjectOf(e.Leaf()) == subject {
			out = append(out, e)
		}
	}
	return out
}

// NewEntry converts a bundle into a store entry.
func NewEntry(bundle *pki.Bundle, ref string) Entry {
	return Entry{Certificate: bundle.TLSCertificate(), Ref: ref}
}

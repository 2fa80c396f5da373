package certstore

import (
	"context"
	"sync"

	"github.com/wolfeidau/certbind/internal/pki"
)

type storeKey struct {
	location Location
	name     string
}

// MemoryStore is an in-memory implementation of Store for development and testing
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[storeKey][]Entry // in import order
	byThumb map[storeKey]map[string]struct{}
}

// NewMemoryStore creates a new in-memory certificate store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[storeKey][]Entry),
		byThumb: make(map[storeKey]map[string]struct{}),
	}
}

// Import adds a certificate to the named store. Importing the same certificate
// twice returns ErrCertAlreadyExists.
func (s *MemoryStore) Import(ctx context.Context, name string, location Location, bundle *pki.Bundle) (Entry, error) {
	if err := ValidateName(name); err != nil {
		return Entry{}, err
	}
	if bundle.Leaf() == nil {
		return Entry{}, pki.ErrNoCertificate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey{location: location, name: name}
	thumb := pki.Thumbprint(bundle.Leaf())
	if _, exists := s.byThumb[key][thumb]; exists {
		return Entry{}, ErrCertAlreadyExists
	}

	if s.byThumb[key] == nil {
		s.byThumb[key] = make(map[string]struct{})
	}
	s.byThumb[key][thumb] = struct{}{}

	entry := NewEntry(bundle, thumb)
	s.entries[key] = append(s.entries[key], entry)

	return entry, nil
}

// Open returns a collection over the named store.
func (s *MemoryStore) Open(ctx context.Context, name string, location Location) (Collection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &memoryCollection{store: s, key: storeKey{location: location, name: name}}, nil
}

type memoryCollection struct {
	store  *MemoryStore
	key    storeKey
	mu     sync.Mutex
	closed bool
}

func (c *memoryCollection) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCollectionClosed
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	// Return copies so callers cannot reorder the store
	entries := c.store.entries[c.key]
	result := make([]Entry, len(entries))
	copy(result, entries)

	return result, nil
}

func (c *memoryCollection) Find(ctx context.Context, subject string) ([]Entry, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return FilterSubject(entries, subject), nil
}

func (c *memoryCollection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

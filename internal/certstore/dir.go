package certstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/certbind/internal/pki"
)

// DefaultLocalMachineDir holds the machine wide stores.
const DefaultLocalMachineDir = "/etc/certbind/stores"

// DirStore keeps each (location, name) store in its own directory of PEM
// bundles (*.pem) and password-less PKCS#12 archives (*.pfx, *.p12).
// Entries are enumerated in file name order.
type DirStore struct {
	roots map[Location]string
}

// NewDirStore creates a store rooted at the given directory per location.
func NewDirStore(roots map[Location]string) *DirStore {
	copied := make(map[Location]string, len(roots))
	for k, v := range roots {
		copied[k] = v
	}
	return &DirStore{roots: copied}
}

// DefaultDirStore maps CurrentUser under the user config directory and
// LocalMachine under DefaultLocalMachineDir.
func DefaultDirStore() (*DirStore, error) {
	userDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
	}

	return NewDirStore(map[Location]string{
		CurrentUser:  filepath.Join(userDir, "certbind", "stores"),
		LocalMachine: DefaultLocalMachineDir,
	}), nil
}

// Dir returns the directory backing the named store.
func (s *DirStore) Dir(name string, location Location) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	base, ok := s.roots[location]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownLocation, location)
	}
	return filepath.Join(base, name), nil
}

// Open opens the store directory through an os.Root so entries cannot escape it.
func (s *DirStore) Open(ctx context.Context, name string, location Location) (Collection, error) {
	dir, err := s.Dir(name, location)
	if err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) {
		zerolog.Ctx(ctx).Debug().Str("dir", dir).Msg("store directory does not exist, treating as empty")
		return &dirCollection{dir: dir}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s/%s: %w", location, name, err)
	}

	return &dirCollection{dir: dir, root: root}, nil
}

// Import writes the bundle as <thumbprint>.pem into the store directory,
// creating it when needed.
func (s *DirStore) Import(ctx context.Context, name string, location Location, bundle *pki.Bundle) (Entry, error) {
	dir, err := s.Dir(name, location)
	if err != nil {
		return Entry{}, err
	}
	if bundle.Leaf() == nil {
		return Entry{}, pki.ErrNoCertificate
	}

	data, err := pki.EncodePEM(bundle)
	if err != nil {
		return Entry{}, err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return Entry{}, fmt.Errorf("failed to create store directory: %w", err)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open store directory: %w", err)
	}
	defer root.Close()

	fileName := pki.Thumbprint(bundle.Leaf()) + ".pem"
	f, err := root.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return Entry{}, ErrCertAlreadyExists
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create %s: %w", fileName, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("failed to write %s: %w", fileName, err)
	}

	zerolog.Ctx(ctx).Info().Str("dir", dir).Str("file", fileName).Msg("certificate imported")

	return NewEntry(bundle, fileName), nil
}

type dirCollection struct {
	dir    string
	root   *os.Root // nil when the directory does not exist
	mu     sync.Mutex
	closed bool
}

func (c *dirCollection) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCollectionClosed
	}
	if c.root == nil {
		return nil, nil
	}

	fsys := c.root.FS()
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory %s: %w", c.dir, err)
	}

	log := zerolog.Ctx(ctx)

	var entries []Entry
	for _, f := range files {
		if !f.Type().IsRegular() {
			continue
		}

		decode := decoderFor(f.Name())
		if decode == nil {
			continue
		}

		data, err := fs.ReadFile(fsys, f.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
		}

		bundle, err := decode(data)
		if err != nil {
			log.Warn().Err(err).Str("dir", c.dir).Str("file", f.Name()).Msg("skipping unreadable store entry")
			continue
		}

		entries = append(entries, NewEntry(bundle, f.Name()))
	}

	return entries, nil
}

func (c *dirCollection) Find(ctx context.Context, subject string) ([]Entry, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return FilterSubject(entries, subject), nil
}

func (c *dirCollection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.root != nil {
		return c.root.Close()
	}
	return nil
}

func decoderFor(fileName string) func([]byte) (*pki.Bundle, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pem":
		return func(data []byte) (*pki.Bundle, error) { return pki.ParsePEMBundle(data, "") }
	case ".pfx", ".p12":
		return func(data []byte) (*pki.Bundle, error) { return pki.DecodePFX(data, "") }
	}
	return nil
}

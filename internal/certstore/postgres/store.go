// Package postgres stores certificates in PostgreSQL, one row per certificate
// with its chain and private key in PEM form.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/pki"
)

// Store implements certstore.Store and certstore.Importer using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed certificate store sharing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Import inserts the bundle into the named store.
func (s *Store) Import(ctx context.Context, name string, location certstore.Location, bundle *pki.Bundle) (certstore.Entry, error) {
	if err := certstore.ValidateName(name); err != nil {
		return certstore.Entry{}, err
	}
	leaf := bundle.Leaf()
	if leaf == nil {
		return certstore.Entry{}, pki.ErrNoCertificate
	}

	keyPEM, err := pki.EncodePrivateKeyPEM(bundle.PrivateKey)
	if err != nil {
		return certstore.Entry{}, err
	}

	query := `
		INSERT INTO store_certificates (
			store_location, store_name, subject_dn, thumbprint,
			not_after, certificate_pem, private_key_pem
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	var id int64
	err = s.pool.QueryRow(ctx, query,
		location.String(),
		name,
		certstore.SubjectOf(leaf),
		pki.Thumbprint(leaf),
		leaf.NotAfter,
		string(pki.EncodeCertificatesPEM(bundle.Certificates...)),
		string(keyPEM),
	).Scan(&id)
	if err != nil {
		return certstore.Entry{}, fmt.Errorf("failed to import certificate: %w", mapPostgresError(err))
	}

	zerolog.Ctx(ctx).Debug().
		Int64("id", id).
		Str("store", name).
		Str("location", location.String()).
		Str("subject", certstore.SubjectOf(leaf)).
		Msg("Imported certificate")

	return certstore.NewEntry(bundle, strconv.FormatInt(id, 10)), nil
}

// Open acquires a pooled connection that backs the returned collection until
// it is closed.
func (s *Store) Open(ctx context.Context, name string, location certstore.Location) (certstore.Collection, error) {
	if err := certstore.ValidateName(name); err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", mapPostgresError(err))
	}

	return &collection{conn: conn, name: name, location: location}, nil
}

type collection struct {
	mu       sync.Mutex
	conn     *pgxpool.Conn // nil once closed
	name     string
	location certstore.Location
}

func (c *collection) List(ctx context.Context) ([]certstore.Entry, error) {
	return c.query(ctx, `
		SELECT id, certificate_pem, private_key_pem
		FROM store_certificates
		WHERE store_location = $1 AND store_name = $2
		ORDER BY id
	`, c.location.String(), c.name)
}

func (c *collection) Find(ctx context.Context, subject string) ([]certstore.Entry, error) {
	entries, err := c.query(ctx, `
		SELECT id, certificate_pem, private_key_pem
		FROM store_certificates
		WHERE store_location = $1 AND store_name = $2 AND subject_dn = $3
		ORDER BY id
	`, c.location.String(), c.name, subject)
	if err != nil {
		return nil, err
	}
	// subject_dn is written from the same rendering, the filter guards against drift
	return certstore.FilterSubject(entries, subject), nil
}

func (c *collection) query(ctx context.Context, sql string, args ...any) ([]certstore.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, certstore.ErrCollectionClosed
	}

	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", mapPostgresError(err))
	}

	type row struct {
		id      int64
		certPEM string
		keyPEM  string
	}

	scanned, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		err := r.Scan(&out.id, &out.certPEM, &out.keyPEM)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan certificates: %w", mapPostgresError(err))
	}

	log := zerolog.Ctx(ctx)

	entries := make([]certstore.Entry, 0, len(scanned))
	for _, r := range scanned {
		bundle, err := pki.ParsePEMBundle([]byte(r.certPEM+r.keyPEM), "")
		if err != nil {
			log.Warn().Err(err).Int64("id", r.id).Msg("skipping unreadable store entry")
			continue
		}
		entries = append(entries, certstore.NewEntry(bundle, strconv.FormatInt(r.id, 10)))
	}

	return entries, nil
}

func (c *collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Release()
		c.conn = nil
	}
	return nil
}

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/logger"
	"github.com/wolfeidau/certbind/internal/pki"
)

type StoreCmd struct {
	Import StoreImportCmd `cmd:"" help:"Import a certificate with its private key into a store"`
	List   StoreListCmd   `cmd:"" help:"List the certificates in a store"`
}

// StoreTarget names one store.
type StoreTarget struct {
	Name     string             `help:"store name" default:"My"`
	Location certstore.Location `help:"store location (CurrentUser or LocalMachine)" default:"CurrentUser"`
}

type StoreImportCmd struct {
	StoreFlags  `embed:""`
	StoreTarget `embed:""`

	File     string `arg:"" help:"PFX or PEM file holding the certificate chain and private key" type:"existingfile"`
	Password string `help:"password of the file" env:"CERTBIND_IMPORT_PASSWORD"`
}

func (c *StoreImportCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	return c.run(log.WithContext(ctx))
}

func (c *StoreImportCmd) run(ctx context.Context) error {
	bundle, err := readBundle(c.File, c.Password)
	if err != nil {
		return err
	}

	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.close()

	if store.importer == nil {
		return fmt.Errorf("the %s store backend is read-only", c.StoreBackend)
	}

	entry, err := store.importer.Import(ctx, c.Name, c.Location, bundle)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", c.File, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("store", fmt.Sprintf("%s/%s", c.Location, c.Name)).
		Str("subject", certstore.SubjectOf(entry.Leaf())).
		Str("thumbprint", pki.Thumbprint(entry.Leaf())).
		Str("ref", entry.Ref).
		Msg("Imported certificate")

	return nil
}

type StoreListCmd struct {
	StoreFlags  `embed:""`
	StoreTarget `embed:""`
}

func (c *StoreListCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	return c.run(log.WithContext(ctx), os.Stdout)
}

func (c *StoreListCmd) run(ctx context.Context, out io.Writer) (err error) {
	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.close()

	coll, err := store.Open(ctx, c.Name, c.Location)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := coll.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	entries, err := coll.List(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "%s/%s (%d)\n", c.Location, c.Name, len(entries))
	now := time.Now()
	for _, e := range entries {
		leaf := e.Leaf()
		status := "valid"
		switch {
		case now.After(leaf.NotAfter):
			status = "expired"
		case now.Before(leaf.NotBefore):
			status = "not yet valid"
		}
		_, _ = fmt.Fprintf(out, "  %s  %s  %s  %s\n",
			pki.Thumbprint(leaf), leaf.NotAfter.Format(time.RFC3339), status, certstore.SubjectOf(leaf))
	}
	return nil
}

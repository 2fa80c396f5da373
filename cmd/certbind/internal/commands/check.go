package commands

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/grantae/certinfo"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/certbind/internal/certificates"
	"github.com/wolfeidau/certbind/internal/endpoints"
	"github.com/wolfeidau/certbind/internal/logger"
)

type CheckCmd struct {
	ConfigFlags `embed:""`
	StoreFlags  `embed:""`

	Verbose bool `help:"print the full text of every resolved certificate" short:"v"`
}

func (c *CheckCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	return c.run(log.WithContext(ctx), os.Stdout)
}

func (c *CheckCmd) run(ctx context.Context, out io.Writer) error {
	root, err := c.Load()
	if err != nil {
		return err
	}

	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.close()

	resolver := resolverFor(root, &c.ConfigFlags, store)

	named, err := resolver.ResolveAll(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, id := range named {
			_ = id.Close()
		}
	}()

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	slices.Sort(names)

	_, _ = fmt.Fprintf(out, "Certificates (%d)\n", len(names))
	for _, name := range names {
		if err := c.printIdentity(out, name, named[name]); err != nil {
			return err
		}
	}

	resolved, err := endpoints.Bind(ctx, dryRun{}, root.Section(endpoints.DefaultSection), resolver)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range resolved {
			if r.Identity != nil {
				_ = r.Identity.Close()
			}
		}
	}()

	_, _ = fmt.Fprintf(out, "\nEndpoints (%d)\n", len(resolved))
	for _, r := range resolved {
		scheme := "http"
		if r.TLS() {
			scheme = "https"
		}
		_, _ = fmt.Fprintf(out, "  %-20s %s://%s", r.Key, scheme, r.AddrPort())
		if r.Identity != nil {
			_, _ = fmt.Fprintf(out, "  %s", r.Identity.Subject())
		}
		_, _ = fmt.Fprintln(out)
	}

	zerolog.Ctx(ctx).Debug().Int("certificates", len(named)).Int("endpoints", len(resolved)).Msg("check passed")
	return nil
}

func (c *CheckCmd) printIdentity(out io.Writer, name string, id *certificates.Identity) error {
	_, _ = fmt.Fprintf(out, "  %-20s %s\n", name, id.Subject())
	_, _ = fmt.Fprintf(out, "  %-20s thumbprint=%s expires=%s (%s)\n", "",
		id.Thumbprint(), id.NotAfter().Format(time.RFC3339), id.Source())

	if !c.Verbose {
		return nil
	}

	text, err := certinfo.CertificateText(id.Leaf())
	if err != nil {
		return fmt.Errorf("failed to render certificate %s: %w", name, err)
	}
	_, _ = fmt.Fprintln(out, text)
	return nil
}

// dryRun accepts endpoint registrations without opening listeners.
type dryRun struct{}

func (dryRun) Listen(_ netip.Addr, _ uint16, configure func(endpoints.ListenOptions)) {
	configure(dryRun{})
}

func (dryRun) UseHTTPS(*certificates.Identity) {}

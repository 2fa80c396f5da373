package commands

import (
	"context"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/certbind/internal/logger"
	"github.com/wolfeidau/certbind/internal/pki"
)

type DevcertCmd struct {
	Subject  string   `help:"subject distinguished name" default:"CN=localhost"`
	DNS      []string `help:"DNS subject alternative names" name:"dns" default:"localhost"`
	IP       []string `help:"IP subject alternative names" name:"ip" default:"127.0.0.1,::1"`
	Out      string   `help:"output file" required:"" type:"path"`
	Password string   `help:"password protecting the PFX output" env:"CERTBIND_DEVCERT_PASSWORD"`
	Format   string   `help:"output format" default:"pfx" enum:"pfx,pem"`
	Days     int      `help:"validity in days" default:"30"`

	CAKey      string `help:"CA private key PEM file" name:"ca-key" type:"existingfile" xor:"ca-source"`
	CACert     string `help:"CA certificate PEM file" name:"ca-cert" type:"existingfile"`
	CAKMSKeyID string `help:"AWS KMS key holding the CA private key, used with --ca-cert" name:"ca-kms-key-id" xor:"ca-source"`
	CAOut      string `help:"write a generated CA as <ca-out>.key and <ca-out>.crt" name:"ca-out" type:"path"`
}

func (c *DevcertCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	return c.run(ctx)
}

func (c *DevcertCmd) run(ctx context.Context) error {
	if c.Days <= 0 {
		return fmt.Errorf("days must be positive, got %d", c.Days)
	}

	subject, err := pki.ParseDistinguishedName(c.Subject)
	if err != nil {
		return err
	}

	ips := make([]net.IP, 0, len(c.IP))
	for _, s := range c.IP {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", s)
		}
		ips = append(ips, ip)
	}

	signer, err := c.signer(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	bundle, err := pki.IssueServerCertificate(signer, pki.ServerCertificateRequest{
		Subject:     subject,
		DNSNames:    c.DNS,
		IPAddresses: ips,
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(time.Duration(c.Days) * 24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}

	var data []byte
	switch c.Format {
	case "pem":
		if c.Password != "" {
			return errors.New("--password is only supported with --format pfx")
		}
		data, err = pki.EncodePEM(bundle)
	default:
		data, err = pki.EncodePFX(bundle, c.Password)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(c.Out, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.Out, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("subject", bundle.Leaf().Subject.String()).
		Str("thumbprint", pki.Thumbprint(bundle.Leaf())).
		Time("not_after", bundle.Leaf().NotAfter).
		Str("out", c.Out).
		Msg("Issued development certificate")

	return nil
}

func (c *DevcertCmd) signer(ctx context.Context) (pki.CASigner, error) {
	switch {
	case c.CAKMSKeyID != "":
		if c.CACert == "" {
			return nil, errors.New("--ca-cert is required with --ca-kms-key-id")
		}
		certPEM, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file: %w", err)
		}
		awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return pki.NewKMSSignerFromConfig(ctx, awsConfig, c.CAKMSKeyID, certPEM)

	case c.CAKey != "":
		if c.CACert == "" {
			return nil, errors.New("--ca-cert is required with --ca-key")
		}
		return pki.NewFileSigner(c.CAKey, c.CACert)
	}

	ca, err := pki.GenerateCA(pkix.Name{CommonName: "certbind development CA"}, time.Duration(c.Days+1)*24*time.Hour)
	if err != nil {
		return nil, err
	}

	if c.CAOut != "" {
		if err := ca.WritePEM(c.CAOut+".key", c.CAOut+".crt"); err != nil {
			return nil, err
		}
		zerolog.Ctx(ctx).Info().Str("cert", c.CAOut+".crt").Msg("Wrote development CA, add it to your trust store to avoid warnings")
	} else {
		zerolog.Ctx(ctx).Warn().Msg("Using a throwaway CA, clients will not trust the issued certificate")
	}

	return ca, nil
}

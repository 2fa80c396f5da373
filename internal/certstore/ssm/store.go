// Package ssm reads certificate stores from AWS SSM Parameter Store.
//
// Each certificate is a SecureString parameter holding a PEM bundle (chain
// and private key) below <prefix>/<location>/<name>/. Parameters are
// enumerated in name order.
package ssm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/pki"
)

// DefaultPrefix is the parameter hierarchy used when none is configured.
const DefaultPrefix = "/certbind/stores"

// Store implements certstore.Store over SSM parameters.
type Store struct {
	client ssm.GetParametersByPathAPIClient
	prefix string
}

// NewStore creates a store reading parameters below prefix with client.
func NewStore(client ssm.GetParametersByPathAPIClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: "/" + strings.Trim(prefix, "/")}
}

// NewFromDefaultConfig loads the default AWS configuration and creates a store.
func NewFromDefaultConfig(ctx context.Context, prefix string) (*Store, error) {
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewStore(ssm.NewFromConfig(awsConfig), prefix), nil
}

// Path returns the parameter path of the named store.
func (s *Store) Path(name string, location certstore.Location) string {
	return fmt.Sprintf("%s/%s/%s/", s.prefix, location, name)
}

// Open returns a collection over the parameters of the named store.
func (s *Store) Open(ctx context.Context, name string, location certstore.Location) (certstore.Collection, error) {
	if err := certstore.ValidateName(name); err != nil {
		return nil, err
	}
	return &collection{client: s.client, path: s.Path(name, location)}, nil
}

type collection struct {
	client ssm.GetParametersByPathAPIClient
	path   string
	mu     sync.Mutex
	closed bool
}

func (c *collection) List(ctx context.Context) ([]certstore.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, certstore.ErrCollectionClosed
	}

	params, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	log := zerolog.Ctx(ctx)

	entries := make([]certstore.Entry, 0, len(params))
	for _, p := range params {
		bundle, err := pki.ParsePEMBundle([]byte(p.value), "")
		if err != nil {
			log.Warn().Err(err).Str("parameter", p.name).Msg("skipping unreadable store entry")
			continue
		}
		entries = append(entries, certstore.NewEntry(bundle, p.name))
	}

	return entries, nil
}

func (c *collection) Find(ctx context.Context, subject string) ([]certstore.Entry, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return certstore.FilterSubject(entries, subject), nil
}

func (c *collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

type parameter struct {
	name  string
	value string
}

// fetch pages through the parameters below the store path.
func (c *collection) fetch(ctx context.Context) ([]parameter, error) {
	paginator := ssm.NewGetParametersByPathPaginator(c.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(c.path),
		WithDecryption: aws.Bool(true),
		Recursive:      aws.Bool(false),
	})

	var params []parameter
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read parameters below %s: %w", c.path, err)
		}
		for _, p := range page.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			params = append(params, parameter{name: *p.Name, value: *p.Value})
		}
	}

	sort.Slice(params, func(i, j int) bool { return params[i].name < params[j].name })

	return params, nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/certbind/internal/certificates"
	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/certstore/postgres"
	"github.com/wolfeidau/certbind/internal/certstore/ssm"
	"github.com/wolfeidau/certbind/internal/config"
	"github.com/wolfeidau/certbind/internal/pki"
)

type Globals struct {
	Debug   bool
	Version string
}

// DefaultEnvPrefix is kept apart from the CERTBIND_ names of the CLI flags so
// flag values such as passwords never land in the configuration tree.
const DefaultEnvPrefix = "CERTBIND_CFG_"

// ConfigFlags selects the configuration files and environment prefix.
type ConfigFlags struct {
	Config    []string `help:"configuration file (YAML, JSON or TOML), later files override earlier ones" short:"c" type:"path" env:"CERTBIND_CONFIG"`
	EnvPrefix string   `help:"prefix of environment variables overriding configuration, use __ as the key separator" default:"CERTBIND_CFG_"`
}

// Load merges the configuration files and then the environment.
func (c *ConfigFlags) Load() (*config.Node, error) {
	sources := make([]config.Source, 0, len(c.Config)+1)
	for _, path := range c.Config {
		sources = append(sources, config.File(path))
	}
	if c.EnvPrefix != "" {
		sources = append(sources, config.Env(c.EnvPrefix))
	}

	root, err := config.Load(sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return root, nil
}

// BaseDir is the directory relative certificate paths resolve against: the
// directory of the first configuration file, or the working directory.
func (c *ConfigFlags) BaseDir() string {
	if len(c.Config) > 0 {
		return filepath.Dir(c.Config[0])
	}
	return ""
}

// StoreFlags configures the certificate store backend.
type StoreFlags struct {
	StoreBackend    string              `help:"certificate store backend" default:"dir" env:"CERTBIND_STORE_BACKEND" enum:"dir,memory,postgres,ssm"`
	CurrentUserDir  string              `help:"directory of CurrentUser stores for the dir backend" type:"path" env:"CERTBIND_STORE_CURRENT_USER_DIR"`
	LocalMachineDir string              `help:"directory of LocalMachine stores for the dir backend" type:"path" default:"${local_machine_dir}" env:"CERTBIND_STORE_LOCAL_MACHINE_DIR"`
	SSMPrefix       string              `help:"parameter path prefix for the ssm backend" default:"${ssm_prefix}" env:"CERTBIND_STORE_SSM_PREFIX"`
	Postgres        postgres.PoolConfig `embed:"" prefix:"postgres-"`
}

// openedStore is a store backend plus its optional writer and cleanup.
type openedStore struct {
	certstore.Store
	importer certstore.Importer
	close    func()
}

func (s *StoreFlags) open(ctx context.Context) (*openedStore, error) {
	log := zerolog.Ctx(ctx)

	switch s.StoreBackend {
	case "memory":
		store := certstore.NewMemoryStore()
		log.Info().Msg("Using in-memory certificate store")
		return &openedStore{Store: store, importer: store, close: func() {}}, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, &s.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		store := postgres.NewStore(pool)
		log.Info().Msg("Using PostgreSQL certificate store")
		return &openedStore{Store: store, importer: store, close: pool.Close}, nil

	case "ssm":
		store, err := ssm.NewFromDefaultConfig(ctx, s.SSMPrefix)
		if err != nil {
			return nil, err
		}
		log.Info().Str("prefix", s.SSMPrefix).Msg("Using SSM certificate store")
		return &openedStore{Store: store, close: func() {}}, nil

	default:
		store, err := s.dirStore()
		if err != nil {
			return nil, err
		}
		log.Debug().Msg("Using directory certificate store")
		return &openedStore{Store: store, importer: store, close: func() {}}, nil
	}
}

func (s *StoreFlags) dirStore() (*certstore.DirStore, error) {
	currentUser := s.CurrentUserDir
	if currentUser == "" {
		userDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		currentUser = filepath.Join(userDir, "certbind", "stores")
	}

	return certstore.NewDirStore(map[certstore.Location]string{
		certstore.CurrentUser:  currentUser,
		certstore.LocalMachine: s.LocalMachineDir,
	}), nil
}

// resolverFor builds a certificate resolver over the named certificates of root.
func resolverFor(root *config.Node, cfg *ConfigFlags, store certstore.Store) *certificates.Resolver {
	return certificates.NewResolver(
		root.Section(certificates.DefaultSection),
		certificates.WithStore(store),
		certificates.WithBaseDir(cfg.BaseDir()),
	)
}

// readBundle decodes a PKCS#12 archive, falling back to a PEM bundle.
func readBundle(path, password string) (*pki.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	bundle, pfxErr := pki.DecodePFX(data, password)
	if pfxErr == nil {
		return bundle, nil
	}
	bundle, pemErr := pki.ParsePEMBundle(data, password)
	if pemErr == nil {
		return bundle, nil
	}
	return nil, fmt.Errorf("failed to decode %s: %w", path, errors.Join(pfxErr, pemErr))
}

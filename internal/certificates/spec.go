package certificates

import (
	"fmt"
	"strings"

	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/config"
)

// SourceKey is the discriminator key of an inline certificate declaration.
const SourceKey = "Source"

// Spec describes how to obtain one certificate. The variants are FileSpec and
// StoreSpec; the set is closed.
type Spec interface {
	isSpec()
}

// FileSpec loads a PKCS#12 archive or PEM bundle from disk.
type FileSpec struct {
	Path     string `config:"Path,required"`
	Password string `config:"Password"`
}

// StoreSpec selects the newest matching certificate from a certificate store.
type StoreSpec struct {
	Subject       string
	StoreName     string
	StoreLocation certstore.Location
	AllowInvalid  bool
}

func (FileSpec) isSpec()  {}
func (StoreSpec) isSpec() {}

type storeFields struct {
	Subject       string `config:"Subject,required"`
	StoreName     string `config:"StoreName,required"`
	StoreLocation string `config:"StoreLocation,required"`
	AllowInvalid  bool   `config:"AllowInvalid"`
}

// ParseSpec reads the Source discriminator of node (File or Store, any case)
// and binds the fields of the matching variant. Unknown keys are ignored.
func ParseSpec(node *config.Node) (Spec, error) {
	source, ok := node.Child(SourceKey)
	value, _ := source.Value()
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrInvalidConfiguration, node.Path(), SourceKey)
	}

	switch {
	case strings.EqualFold(value, "file"):
		var spec FileSpec
		if err := node.Bind(&spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		return spec, nil

	case strings.EqualFold(value, "store"):
		var fields storeFields
		if err := node.Bind(&fields); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}

		location, err := certstore.ParseLocation(fields.StoreLocation)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfiguration, node.Path(), err)
		}

		return StoreSpec{
			Subject:       fields.Subject,
			StoreName:     fields.StoreName,
			StoreLocation: location,
			AllowInvalid:  fields.AllowInvalid,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s: unrecognized %s %q, expected File or Store",
		ErrInvalidConfiguration, node.Path(), SourceKey, value)
}

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// TagName is the struct tag read by Bind. A tag of `config:"Path,required"`
// binds the Path key and fails when it is absent or empty.
const TagName = "config"

var (
	// ErrMissingKey is returned by Bind when a required key is absent.
	ErrMissingKey = errors.New("required configuration key is missing")

	// ErrInvalidValue is returned by Bind when a value cannot be converted.
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrInvalidTarget is returned when Bind is not given a pointer to a struct.
	ErrInvalidTarget = errors.New("bind target must be a non-nil pointer to a struct")
)

// Bind populates the exported fields of target from the children of n.
// Keys match field tags case-insensitively, unknown keys are ignored and text
// values are converted to the field type.
func (n *Node) Bind(target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrInvalidTarget
	}

	if err := n.checkRequired(rv.Elem().Type()); err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          TagName,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(n.toMap()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, n.Path(), err)
	}
	return nil
}

func (n *Node) checkRequired(t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, opts, _ := strings.Cut(field.Tag.Get(TagName), ",")
		if name == "" || name == "-" {
			name = field.Name
		}
		if !hasOption(opts, "required") {
			continue
		}

		child, ok := n.Child(name)
		if v, _ := child.Value(); !ok || (v == "" && len(child.children) == 0) {
			return fmt.Errorf("%w: %s", ErrMissingKey, joinPath(n.Path(), name))
		}
	}
	return nil
}

func hasOption(opts, want string) bool {
	for _, o := range strings.Split(opts, ",") {
		if strings.TrimSpace(o) == want {
			return true
		}
	}
	return false
}

func (n *Node) toMap() map[string]any {
	out := make(map[string]any, len(n.Children()))
	for _, c := range n.Children() {
		if len(c.children) > 0 {
			out[c.key] = c.toMap()
			continue
		}
		v, _ := c.Value()
		out[c.key] = v
	}
	return out
}

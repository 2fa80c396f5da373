package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Pair is a single flattened configuration entry.
type Pair struct {
	Key   string
	Value string
}

// Source produces flattened configuration entries in declaration order.
type Source func() ([]Pair, error)

// Load applies the sources in order and returns the root node. Later sources
// override the values of earlier ones, key by key.
func Load(sources ...Source) (*Node, error) {
	root := newNode("", "")
	for _, src := range sources {
		pairs, err := src()
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			keys := splitKey(p.Key)
			if len(keys) == 0 {
				continue
			}
			root.set(keys, p.Value)
		}
	}
	return root, nil
}

// Map is an in-memory source keyed by ":"-joined paths.
func Map(values map[string]string) Source {
	return func() ([]Pair, error) {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]Pair, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, Pair{Key: k, Value: values[k]})
		}
		return pairs, nil
	}
}

// Env reads environment variables starting with prefix (case-insensitive).
// The prefix is stripped and "__" is translated to the key delimiter, so
// CERTBIND_CFG_Kestrel__EndPoints__Http__Port maps to Kestrel:EndPoints:Http:Port.
func Env(prefix string) Source {
	return func() ([]Pair, error) {
		var pairs []Pair
		for _, kv := range os.Environ() {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || len(name) < len(prefix) || !strings.EqualFold(name[:len(prefix)], prefix) {
				continue
			}
			key := strings.ReplaceAll(name[len(prefix):], "__", KeyDelimiter)
			pairs = append(pairs, Pair{Key: key, Value: value})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
		return pairs, nil
	}
}

// File selects a decoder from the file extension: .toml is TOML, everything
// else (.yaml, .yml, .json) is decoded as YAML, which accepts JSON documents.
func File(path string) Source {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOMLFile(path)
	}
	return YAMLFile(path)
}

// OptionalFile behaves like File but yields nothing when the file is missing.
func OptionalFile(path string) Source {
	src := File(path)
	return func() ([]Pair, error) {
		pairs, err := src()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return pairs, err
	}
}

// YAMLFile reads a YAML or JSON document.
func YAMLFile(path string) Source {
	return func() ([]Pair, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		pairs, err := YAML(data)()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return pairs, nil
	}
}

// YAML decodes an in-memory YAML or JSON document, keeping document order.
func YAML(data []byte) Source {
	return func() ([]Pair, error) {
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		var pairs []Pair
		flattenYAML(&doc, "", &pairs)
		return pairs, nil
	}
}

func flattenYAML(n *yaml.Node, prefix string, out *[]Pair) {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			flattenYAML(c, prefix, out)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			flattenYAML(n.Content[i+1], joinPath(prefix, n.Content[i].Value), out)
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			flattenYAML(c, joinPath(prefix, strconv.Itoa(i)), out)
		}
	case yaml.AliasNode:
		flattenYAML(n.Alias, prefix, out)
	case yaml.ScalarNode:
		if prefix == "" {
			return
		}
		value := n.Value
		if n.Tag == "!!null" {
			value = ""
		}
		*out = append(*out, Pair{Key: prefix, Value: value})
	}
}

// TOMLFile reads a TOML document.
func TOMLFile(path string) Source {
	return func() ([]Pair, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		pairs, err := TOML(data)()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return pairs, nil
	}
}

// TOML decodes an in-memory TOML document. Keys keep the order in which they
// appear in the document.
func TOML(data []byte) Source {
	return func() ([]Pair, error) {
		var doc map[string]any
		meta, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, err
		}

		order := make(map[string]int)
		for i, k := range meta.Keys() {
			path := orderKey(k)
			if _, seen := order[path]; !seen {
				order[path] = i
			}
		}

		var pairs []Pair
		flattenTOML(doc, "", nil, order, &pairs)
		return pairs, nil
	}
}

// orderKey joins raw key segments with a byte TOML keys cannot hold
// unescaped, so quoted keys containing dots stay distinct.
func orderKey(segments []string) string {
	return strings.Join(segments, "\x00")
}

func flattenTOML(v any, prefix string, path []string, order map[string]int, out *[]Pair) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.SliceStable(keys, func(i, j int) bool {
			return rank(order, path, keys[i]) < rank(order, path, keys[j])
		})
		for _, k := range keys {
			flattenTOML(t[k], joinPath(prefix, k), append(slices.Clip(path), k), order, out)
		}
	case []map[string]any:
		for i, m := range t {
			flattenTOML(m, joinPath(prefix, strconv.Itoa(i)), path, order, out)
		}
	case []any:
		for i, e := range t {
			flattenTOML(e, joinPath(prefix, strconv.Itoa(i)), path, order, out)
		}
	case time.Time:
		*out = append(*out, Pair{Key: prefix, Value: t.Format(time.RFC3339)})
	default:
		*out = append(*out, Pair{Key: prefix, Value: fmt.Sprint(t)})
	}
}

func rank(order map[string]int, parent []string, key string) int {
	if i, ok := order[orderKey(append(slices.Clip(parent), key))]; ok {
		return i
	}
	return len(order)
}

func splitKey(key string) []string {
	parts := strings.Split(key, KeyDelimiter)
	keys := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

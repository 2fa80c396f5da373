// Package config provides a hierarchical, case-insensitive key/value view over
// layered configuration sources (YAML, JSON, TOML, environment, in-memory maps).
//
// Keys are joined with ":" to form paths, for example "Kestrel:EndPoints:Https:Port".
// Leaves are always text; typed decoding happens in Bind.
package config

import (
	"strings"
)

// KeyDelimiter separates the keys of a configuration path.
const KeyDelimiter = ":"

// Node is one section of a configuration tree. A node may carry a scalar value,
// ordered children, or both. Nodes are never mutated after Load returns.
type Node struct {
	key      string
	path     string
	value    *string
	children []*Node
	index    map[string]*Node // lower-cased key -> child
}

func newNode(key, path string) *Node {
	return &Node{key: key, path: path, index: make(map[string]*Node)}
}

// Key returns the last segment of the node path.
func (n *Node) Key() string {
	if n == nil {
		return ""
	}
	return n.key
}

// Path returns the full ":"-joined path of the node, empty for the root.
func (n *Node) Path() string {
	if n == nil {
		return ""
	}
	return n.path
}

// Value returns the scalar value of the node and whether one was set.
func (n *Node) Value() (string, bool) {
	if n == nil || n.value == nil {
		return "", false
	}
	return *n.value, true
}

// Exists reports whether the node carries a value or has children.
func (n *Node) Exists() bool {
	if n == nil {
		return false
	}
	return n.value != nil || len(n.children) > 0
}

// Children returns the direct children in the order they were first declared.
func (n *Node) Children() []*Node {
	if n == nil {
		return nil
	}
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Child looks up a direct child by key, ignoring case.
func (n *Node) Child(key string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	c, ok := n.index[strings.ToLower(key)]
	return c, ok
}

// Get returns the value of the child at path, or "" when absent.
func (n *Node) Get(path string) string {
	v, _ := n.Section(path).Value()
	return v
}

// Section walks a ":"-separated path below n. It never returns nil: a missing
// section is returned as an empty node whose Exists method reports false.
func (n *Node) Section(path string) *Node {
	cur := n
	for _, key := range strings.Split(path, KeyDelimiter) {
		next, ok := cur.Child(key)
		if !ok {
			return newNode(lastKey(path), joinPath(n.Path(), path))
		}
		cur = next
	}
	return cur
}

func (n *Node) set(keys []string, value string) {
	cur := n
	for _, key := range keys {
		next, ok := cur.index[strings.ToLower(key)]
		if !ok {
			next = newNode(key, joinPath(cur.path, key))
			cur.index[strings.ToLower(key)] = next
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	v := value
	cur.value = &v
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + KeyDelimiter + key
}

func lastKey(path string) string {
	if i := strings.LastIndex(path, KeyDelimiter); i >= 0 {
		return path[i+1:]
	}
	return path
}

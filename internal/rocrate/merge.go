package rocrate

import (
	"errors"
	"fmt"
	"strings"
)

// Merge returns the union of base and overlay keyed by entity id. Entities in
// overlay replace base entities with the same id; the result keeps base
// order and appends entities only present in overlay. Neither input is
// modified.
func Merge(base, overlay *Graph) *Graph {
	out := base.Clone()
	if out.Context.IsNull() {
		out.Context = overlay.Context.Clone()
	}
	for _, n := range overlay.nodes {
		out.Put(n.Clone())
	}
	return out
}

// License describes the license entity attached to merged result crates.
type License struct {
	URI        string
	Properties *Properties
}

// AddLicense upserts the license entity and points the root dataset at it.
func (g *Graph) AddLicense(l License) error {
	uri := strings.TrimSpace(l.URI)
	if uri == "" {
		return errors.New("license uri is required")
	}
	root, err := g.RootDataset()
	if err != nil {
		return fmt.Errorf("add license: %w", err)
	}
	node := NewNode(uri)
	for _, k := range l.Properties.Keys() {
		if k == KeyID {
			continue
		}
		v, _ := l.Properties.Get(k)
		node.Set(k, v.Clone())
	}
	if _, ok := node.Get(KeyType); !ok {
		node.Set(KeyType, String("CreativeWork"))
	}
	g.Put(node)
	root.Set(KeyLicense, Ref(uri))
	return nil
}

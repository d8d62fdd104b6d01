// Package rocrate models the JSON-LD metadata graph of an RO-Crate.
//
// A Graph is an ordered set of entities keyed by "@id". Entity properties are
// held as tagged Values so references ({"@id": ...}) are distinct from nested
// objects, and serialization keeps the document's original property order.
//
// The crate conventions used by the agent are exposed as typed accessors:
// RootDataset finds the "./" entity and MainEntity resolves its "mainEntity"
// reference.
package rocrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// MetadataFileName is the fixed name of the crate metadata document.
	MetadataFileName = "ro-crate-metadata.json"
	RootDatasetID    = "./"
	DefaultContext   = "https://w3id.org/ro/crate/1.1/context"

	KeyID         = "@id"
	KeyType       = "@type"
	KeyContext    = "@context"
	KeyGraph      = "@graph"
	KeyMainEntity = "mainEntity"
	KeyLicense    = "license"
)

var (
	ErrParse               = errors.New("metadata parse error")
	ErrNotFound            = errors.New("entity not found")
	ErrUnresolvedReference = errors.New("unresolved reference")
)

// Node is one entity of the graph.
type Node struct {
	ID    string
	props *Properties
}

func NewNode(id string) *Node {
	return &Node{ID: id, props: NewProperties()}
}

func (n *Node) Get(name string) (Value, bool) { return n.props.Get(name) }
func (n *Node) Set(name string, v Value)      { n.props.Set(name, v) }
func (n *Node) Properties() *Properties       { return n.props }

// Types returns "@type" whether it was written as a string or a list.
func (n *Node) Types() []string {
	v, ok := n.Get(KeyType)
	if !ok {
		return nil
	}
	if s, ok := v.Str(); ok {
		return []string{s}
	}
	out := make([]string, 0, len(v.Items()))
	for _, item := range v.Items() {
		if s, ok := item.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}

func (n *Node) HasType(t string) bool {
	for _, got := range n.Types() {
		if got == t {
			return true
		}
	}
	return false
}

func (n *Node) Clone() *Node {
	return &Node{ID: n.ID, props: n.props.Clone()}
}

func (n *Node) MarshalJSON() ([]byte, error) {
	out := NewProperties()
	out.Set(KeyID, String(n.ID))
	for _, k := range n.props.Keys() {
		v, _ := n.props.Get(k)
		out.Set(k, v)
	}
	return out.MarshalJSON()
}

// Graph is the parsed metadata document.
type Graph struct {
	Context Value
	nodes   []*Node
	index   map[string]int
}

func NewGraph() *Graph {
	return &Graph{Context: String(DefaultContext), index: map[string]int{}}
}

// Parse decodes a metadata document. The document must be a JSON object with
// an "@graph" array whose members are objects carrying a string "@id".
func Parse(doc []byte) (*Graph, error) {
	root, err := ParseValue(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	top, ok := root.Object()
	if !ok {
		return nil, fmt.Errorf("%w: document is %s, want object", ErrParse, root.Kind())
	}
	graphVal, ok := top.Get(KeyGraph)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrParse, KeyGraph)
	}
	if graphVal.Kind() != KindList {
		return nil, fmt.Errorf("%w: %s is %s, want list", ErrParse, KeyGraph, graphVal.Kind())
	}

	g := NewGraph()
	if ctx, ok := top.Get(KeyContext); ok {
		g.Context = ctx
	}
	for i, item := range graphVal.Items() {
		node, err := nodeFromValue(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrParse, KeyGraph, i, err)
		}
		if _, dup := g.index[node.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrParse, node.ID)
		}
		g.Put(node)
	}
	return g, nil
}

func nodeFromValue(v Value) (*Node, error) {
	if id, ok := v.RefID(); ok {
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("empty @id")
		}
		return NewNode(id), nil
	}
	props, ok := v.Object()
	if !ok {
		return nil, fmt.Errorf("entity is %s, want object", v.Kind())
	}
	idVal, ok := props.Get(KeyID)
	if !ok {
		return nil, errors.New("entity has no @id")
	}
	id, ok := idVal.Str()
	if !ok || strings.TrimSpace(id) == "" {
		return nil, errors.New("entity @id must be a non-empty string")
	}
	node := NewNode(id)
	for _, k := range props.Keys() {
		if k == KeyID {
			continue
		}
		val, _ := props.Get(k)
		node.Set(k, val)
	}
	return node, nil
}

// Serialize renders the graph as an indented metadata document.
func Serialize(g *Graph) ([]byte, error) {
	ctx := g.Context
	if ctx.IsNull() {
		ctx = String(DefaultContext)
	}
	doc := struct {
		Context Value   `json:"@context"`
		Graph   []*Node `json:"@graph"`
	}{Context: ctx, Graph: g.nodes}
	if doc.Graph == nil {
		doc.Graph = []*Node{}
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	return append(out, '\n'), nil
}

func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) IDs() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.ID
	}
	return out
}

func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Put replaces the entity with the same id in place, or appends it.
func (g *Graph) Put(n *Node) {
	if i, ok := g.index[n.ID]; ok {
		g.nodes[i] = n
		return
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
}

func (g *Graph) Clone() *Graph {
	out := &Graph{Context: g.Context.Clone(), index: make(map[string]int, len(g.nodes))}
	for _, n := range g.nodes {
		out.Put(n.Clone())
	}
	return out
}

func (g *Graph) RootDataset() (*Node, error) {
	root, ok := g.Node(RootDatasetID)
	if !ok {
		return nil, fmt.Errorf("%w: root dataset %q", ErrNotFound, RootDatasetID)
	}
	return root, nil
}

// Resolve follows the reference held in property of node. A single-element
// list of references is accepted, as some producers always emit lists.
func (g *Graph) Resolve(node *Node, property string) (*Node, error) {
	v, ok := node.Get(property)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %q", ErrUnresolvedReference, node.ID, property)
	}
	if v.Kind() == KindList && len(v.Items()) == 1 {
		v = v.Items()[0]
	}
	id, ok := v.RefID()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %s, want reference", ErrUnresolvedReference, node.ID, property, v.Kind())
	}
	target, ok := g.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s -> %q", ErrUnresolvedReference, node.ID, property, id)
	}
	return target, nil
}

func (g *Graph) MainEntity() (*Node, error) {
	root, err := g.RootDataset()
	if err != nil {
		return nil, err
	}
	return g.Resolve(root, KeyMainEntity)
}

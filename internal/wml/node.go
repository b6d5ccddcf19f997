// Package wml implements the node/attribute tree document format used as
// the wire payload encoding, including parsing, serialization, gzip/bzip2
// compression and incremental diffing between document snapshots.
package wml

import "sort"

// Attribute is a single key/value pair on a node. Keys within one node are
// unique and kept sorted.
type Attribute struct {
	Key   string
	Value string
}

// Node is one element of a document tree. Children sharing a name keep
// their relative order; the true interleaved order across names is tracked
// separately so a parse/serialize cycle reproduces the source exactly.
// Nodes are created through their owning Document and never outlive it.
type Node struct {
	doc      *Document
	name     string
	attrs    []Attribute
	children map[string][]*Node
	order    []*Node
	parent   *Node
}

// Document owns a node tree and all string storage referenced by it.
// Source buffers handed to Parse are retained by the document so node
// names and attribute values can alias them safely.
type Document struct {
	root     Node
	buffers  [][]byte
	registry *Registry
}

// New creates an empty document. reg may be nil.
func New(reg *Registry) *Document {
	d := &Document{registry: reg}
	d.root.doc = d
	if reg != nil {
		reg.attach(d)
	}
	return d
}

// Root returns the document's root node.
func (d *Document) Root() *Node { return &d.root }

// Close detaches the document from its registry. Safe to call on documents
// created without one.
func (d *Document) Close() {
	if d.registry != nil {
		d.registry.detach(d)
		d.registry = nil
	}
}

// Clone deep-copies the document into a fresh one registered with reg.
func (d *Document) Clone(reg *Registry) *Document {
	out := New(reg)
	copyInto(&d.root, &out.root)
	return out
}

// Size reports the approximate in-memory footprint in bytes, counting
// retained source buffers and node overhead.
func (d *Document) Size() int {
	n := 0
	for _, b := range d.buffers {
		n += len(b)
	}
	n += d.root.size()
	return n
}

func (n *Node) size() int {
	s := len(n.name)
	for _, a := range n.attrs {
		s += len(a.Key) + len(a.Value)
	}
	for _, c := range n.order {
		s += c.size()
	}
	return s
}

// CopyNode deep-copies src's attributes and children into dst, which
// takes src's name. The nodes may belong to different documents.
func CopyNode(src, dst *Node) { copyInto(src, dst) }

func copyInto(src, dst *Node) {
	dst.name = src.name
	dst.attrs = append([]Attribute(nil), src.attrs...)
	for _, c := range src.order {
		child := dst.AddChild(c.name)
		copyInto(c, child)
	}
}

// Name returns the node's element name; empty for the root.
func (n *Node) Name() string { return n.name }

// Doc returns the owning document.
func (n *Node) Doc() *Document { return n.doc }

// Parent returns the enclosing node, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

func (n *Node) attrIndex(key string) (int, bool) {
	i := sort.Search(len(n.attrs), func(i int) bool { return n.attrs[i].Key >= key })
	return i, i < len(n.attrs) && n.attrs[i].Key == key
}

// Attr returns the value for key and whether it is present.
func (n *Node) Attr(key string) (string, bool) {
	if i, ok := n.attrIndex(key); ok {
		return n.attrs[i].Value, true
	}
	return "", false
}

// AttrOr returns the value for key, or def when absent.
func (n *Node) AttrOr(key, def string) string {
	if v, ok := n.Attr(key); ok {
		return v
	}
	return def
}

// SetAttr sets key to value, overwriting any existing value.
func (n *Node) SetAttr(key, value string) *Node {
	i, ok := n.attrIndex(key)
	if ok {
		n.attrs[i].Value = value
		return n
	}
	n.attrs = append(n.attrs, Attribute{})
	copy(n.attrs[i+1:], n.attrs[i:])
	n.attrs[i] = Attribute{Key: key, Value: value}
	return n
}

// RemoveAttr deletes key if present.
func (n *Node) RemoveAttr(key string) {
	if i, ok := n.attrIndex(key); ok {
		n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
	}
}

// Attrs returns the node's attributes in key order. The slice is shared;
// callers must not mutate it.
func (n *Node) Attrs() []Attribute { return n.attrs }

// AddChild appends a new child named name, after all existing children.
func (n *Node) AddChild(name string) *Node {
	c := &Node{doc: n.doc, name: name, parent: n}
	if n.children == nil {
		n.children = make(map[string][]*Node)
	}
	n.children[name] = append(n.children[name], c)
	n.order = append(n.order, c)
	return c
}

// InsertChild creates a child named name at position index within the
// same-named child list. index is clamped to the list bounds. The global
// child order places the new node immediately before the sibling it
// displaces, or after the last same-named sibling when appending.
func (n *Node) InsertChild(name string, index int) *Node {
	list := n.children[name]
	if index < 0 {
		index = 0
	}
	if index >= len(list) {
		return n.addChildAfterSiblings(name)
	}
	c := &Node{doc: n.doc, name: name, parent: n}
	if n.children == nil {
		n.children = make(map[string][]*Node)
	}
	displaced := list[index]
	list = append(list, nil)
	copy(list[index+1:], list[index:])
	list[index] = c
	n.children[name] = list
	pos := n.orderIndex(displaced)
	n.order = append(n.order, nil)
	copy(n.order[pos+1:], n.order[pos:])
	n.order[pos] = c
	return c
}

func (n *Node) addChildAfterSiblings(name string) *Node {
	list := n.children[name]
	if len(list) == 0 {
		return n.AddChild(name)
	}
	c := &Node{doc: n.doc, name: name, parent: n}
	n.children[name] = append(list, c)
	pos := n.orderIndex(list[len(list)-1]) + 1
	n.order = append(n.order, nil)
	copy(n.order[pos+1:], n.order[pos:])
	n.order[pos] = c
	return c
}

func (n *Node) orderIndex(c *Node) int {
	for i, o := range n.order {
		if o == c {
			return i
		}
	}
	return len(n.order)
}

// RemoveChild deletes the index-th child named name. Out-of-range indices
// are a no-op.
func (n *Node) RemoveChild(name string, index int) {
	list := n.children[name]
	if index < 0 || index >= len(list) {
		return
	}
	c := list[index]
	n.children[name] = append(list[:index], list[index+1:]...)
	if len(n.children[name]) == 0 {
		delete(n.children, name)
	}
	if pos := n.orderIndex(c); pos < len(n.order) {
		n.order = append(n.order[:pos], n.order[pos+1:]...)
	}
}

// Children returns the same-named child list for name. The slice is
// shared; callers must not mutate it.
func (n *Node) Children(name string) []*Node { return n.children[name] }

// Child returns the first child named name, or nil.
func (n *Node) Child(name string) *Node {
	if list := n.children[name]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// All returns every child in true document order. The slice is shared;
// callers must not mutate it.
func (n *Node) All() []*Node { return n.order }

// ChildCount returns the total number of children across all names.
func (n *Node) ChildCount() int { return len(n.order) }

// Equal reports whether two subtrees are attribute-for-attribute and
// child-for-child identical, including child order.
func (n *Node) Equal(other *Node) bool {
	if n.name != other.name || len(n.attrs) != len(other.attrs) || len(n.order) != len(other.order) {
		return false
	}
	for i, a := range n.attrs {
		if other.attrs[i] != a {
			return false
		}
	}
	for i, c := range n.order {
		if !c.Equal(other.order[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether two documents hold identical trees.
func (d *Document) Equal(other *Document) bool {
	return d.root.Equal(&other.root)
}

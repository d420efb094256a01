// Package tree provides the local mirror of the remote store: a tagged tree of
// hash, array and scalar nodes addressed by slash-delimited paths.
package tree

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the structural variant of a node. It is fixed at construction.
type Kind int

const (
	KindHash Kind = iota + 1
	KindArray
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindHash:
		return "hash"
	case KindArray:
		return "array"
	case KindScalar:
		return "scalar"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hash":
		*k = KindHash
	case "array":
		*k = KindArray
	case "scalar":
		*k = KindScalar
	default:
		return fmt.Errorf("unknown node kind %q", text)
	}
	return nil
}

// Node is one of *Hash, *Array or *Scalar.
type Node interface {
	Kind() Kind
	// Name is the key under the parent: the hash field name or the array
	// element key.
	Name() string
	Address() Address
	// Type is the dash-delimited type tag, e.g. "data-scalar-txt".
	Type() string
	SetType(typ string)
	Parent() Node

	Dirty() bool
	PendingOp() string
	MarkPending(op string)
	ClearPending()

	base() *nodeBase
}

type nodeBase struct {
	name    string
	addr    Address
	typ     string
	parent  Node
	root    bool
	dirty   bool
	pending string
}

func (b *nodeBase) Name() string       { return b.name }
func (b *nodeBase) Address() Address   { return b.addr }
func (b *nodeBase) Type() string       { return b.typ }
func (b *nodeBase) SetType(typ string) { b.typ = typ }
func (b *nodeBase) Parent() Node       { return b.parent }
func (b *nodeBase) Dirty() bool        { return b.dirty }
func (b *nodeBase) PendingOp() string  { return b.pending }
func (b *nodeBase) base() *nodeBase    { return b }

// MarkPending flags a local mutation awaiting server confirmation.
func (b *nodeBase) MarkPending(op string) {
	b.dirty = true
	b.pending = op
}

// ClearPending resets the transient flags.
func (b *nodeBase) ClearPending() {
	b.dirty = false
	b.pending = ""
}

// IsRoot reports whether n is the root of a tree.
func IsRoot(n Node) bool {
	return n != nil && n.base().root
}

// TypeSegments splits a type tag on dashes.
func TypeSegments(n Node) []string {
	if n.Type() == "" {
		return nil
	}
	return strings.Split(n.Type(), "-")
}

// Hash is a node whose children are keyed by name.
type Hash struct {
	nodeBase
	children map[string]Node
}

// NewHash creates a detached hash node.
func NewHash(typ string) *Hash {
	return &Hash{
		nodeBase: nodeBase{typ: typ},
		children: make(map[string]Node),
	}
}

// NewRoot creates the root of a mirror tree.
func NewRoot() *Hash {
	h := NewHash("directory")
	h.addr = RootAddress
	h.root = true
	return h
}

func (h *Hash) Kind() Kind { return KindHash }

// Len returns the number of children.
func (h *Hash) Len() int { return len(h.children) }

// Get returns the child with the given name, or nil.
func (h *Hash) Get(name string) Node { return h.children[name] }

// Keys returns the child names in sorted order.
func (h *Hash) Keys() []string {
	keys := make([]string, 0, len(h.children))
	for k := range h.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Children returns the children ordered by name.
func (h *Hash) Children() []Node {
	keys := h.Keys()
	out := make([]Node, len(keys))
	for i, k := range keys {
		out[i] = h.children[k]
	}
	return out
}

// Set attaches n under name, detaching n from any previous parent. An
// existing child with the same name is detached and returned.
func (h *Hash) Set(name string, n Node) Node {
	detach(n)
	old := h.children[name]
	if old != nil {
		orphan(old)
	}
	h.children[name] = n
	b := n.base()
	b.parent = h
	b.name = name
	readdress(n, h.addr.Child(name))
	return old
}

// Delete detaches and returns the named child, or nil.
func (h *Hash) Delete(name string) Node {
	n := h.children[name]
	if n == nil {
		return nil
	}
	delete(h.children, name)
	orphan(n)
	return n
}

// Array is a node whose children are ordered. Each element also carries a
// key, used by reorder to identify it.
type Array struct {
	nodeBase
	items []Node
}

// NewArray creates a detached array node.
func NewArray(typ string) *Array {
	return &Array{nodeBase: nodeBase{typ: typ}}
}

func (a *Array) Kind() Kind { return KindArray }

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.items) }

// At returns the element at index i, or nil when out of range.
func (a *Array) At(i int) Node {
	if i < 0 || i >= len(a.items) {
		return nil
	}
	return a.items[i]
}

// Children returns the elements in order.
func (a *Array) Children() []Node {
	out := make([]Node, len(a.items))
	copy(out, a.items)
	return out
}

// Keys returns the element keys in order. Elements without a key report
// their index.
func (a *Array) Keys() []string {
	keys := make([]string, len(a.items))
	for i, n := range a.items {
		keys[i] = elementKey(n, i)
	}
	return keys
}

func elementKey(n Node, i int) string {
	if k := n.base().name; k != "" {
		return k
	}
	return strconv.Itoa(i)
}

// IndexOf resolves seg to an element index. Element addresses are built
// from indices, so a numeric segment is always an index; other segments
// match element keys. It returns -1 when nothing matches.
func (a *Array) IndexOf(seg string) int {
	if i, ok := indexSegment(seg); ok {
		if i < len(a.items) {
			return i
		}
		return -1
	}
	for i, n := range a.items {
		if n.base().name == seg {
			return i
		}
	}
	return -1
}

func indexSegment(seg string) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// elementName drops keys that read as an index; they would shadow the
// address of another element.
func elementName(key string) string {
	if _, ok := indexSegment(key); ok {
		return ""
	}
	return key
}

// Append attaches n as the last element with the given key.
func (a *Array) Append(key string, n Node) {
	a.Insert(len(a.items), key, n)
}

// Insert attaches n at index i (clamped to the valid range).
func (a *Array) Insert(i int, key string, n Node) {
	detach(n)
	if i < 0 {
		i = 0
	}
	if i > len(a.items) {
		i = len(a.items)
	}
	a.items = append(a.items, nil)
	copy(a.items[i+1:], a.items[i:])
	a.items[i] = n
	b := n.base()
	b.parent = a
	b.name = elementName(key)
	a.renumber(i)
}

// RemoveAt detaches and returns the element at index i, or nil.
func (a *Array) RemoveAt(i int) Node {
	if i < 0 || i >= len(a.items) {
		return nil
	}
	n := a.items[i]
	a.items = append(a.items[:i], a.items[i+1:]...)
	orphan(n)
	a.renumber(i)
	return n
}

// Reorder rearranges the elements to match keys, which must name every
// current element exactly once (by key or by current index).
func (a *Array) Reorder(keys []string) error {
	if len(keys) != len(a.items) {
		return fmt.Errorf("reorder: got %d keys for %d elements", len(keys), len(a.items))
	}
	next := make([]Node, len(keys))
	used := make([]bool, len(a.items))
	for i, k := range keys {
		j := a.IndexOf(k)
		if j < 0 {
			return fmt.Errorf("reorder: unknown element %q", k)
		}
		if used[j] {
			return fmt.Errorf("reorder: element %q listed twice", k)
		}
		used[j] = true
		next[i] = a.items[j]
	}
	a.items = next
	a.renumber(0)
	return nil
}

func (a *Array) renumber(from int) {
	for i := from; i < len(a.items); i++ {
		readdress(a.items[i], a.addr.Child(strconv.Itoa(i)))
	}
}

// Scalar is a leaf node holding a single primitive value.
type Scalar struct {
	nodeBase
	value any
}

// NewScalar creates a detached scalar node.
func NewScalar(typ string, value any) *Scalar {
	return &Scalar{nodeBase: nodeBase{typ: typ}, value: value}
}

func (s *Scalar) Kind() Kind { return KindScalar }

// Value returns the held value.
func (s *Scalar) Value() any { return s.value }

// SetValue overwrites the held value.
func (s *Scalar) SetValue(v any) { s.value = v }

// Children returns the children of a hash or array and nil for scalars.
func Children(n Node) []Node {
	switch n := n.(type) {
	case *Hash:
		return n.Children()
	case *Array:
		return n.Children()
	}
	return nil
}

// Child resolves one address segment below n.
func Child(n Node, seg string) Node {
	switch n := n.(type) {
	case *Hash:
		return n.Get(seg)
	case *Array:
		if i := n.IndexOf(seg); i >= 0 {
			return n.items[i]
		}
	}
	return nil
}

// Detach removes n from its parent. It reports whether n was attached.
func Detach(n Node) bool {
	return detach(n)
}

func detach(n Node) bool {
	b := n.base()
	switch p := b.parent.(type) {
	case *Hash:
		if p.children[b.name] == n {
			delete(p.children, b.name)
		}
	case *Array:
		for i, item := range p.items {
			if item == n {
				p.items = append(p.items[:i], p.items[i+1:]...)
				p.renumber(i)
				break
			}
		}
	default:
		return false
	}
	b.parent = nil
	return true
}

func orphan(n Node) {
	n.base().parent = nil
}

// readdress assigns addr to n and re-derives every descendant address.
func readdress(n Node, addr Address) {
	n.base().addr = addr
	switch n := n.(type) {
	case *Hash:
		for name, c := range n.children {
			readdress(c, addr.Child(name))
		}
	case *Array:
		for i, c := range n.items {
			readdress(c, addr.Child(strconv.Itoa(i)))
		}
	}
}

// Rename changes the key of an attached node and re-derives the subtree
// addresses. Under a hash this moves the child to the new key and fails when
// the key is taken; under an array only the element key changes.
func Rename(n Node, name string) error {
	b := n.base()
	switch p := b.parent.(type) {
	case *Hash:
		if name == b.name {
			return nil
		}
		if p.children[name] != nil {
			return fmt.Errorf("rename: %s already exists", p.addr.Child(name))
		}
		delete(p.children, b.name)
		p.children[name] = n
		b.name = name
		readdress(n, p.addr.Child(name))
	case *Array:
		b.name = elementName(name)
	default:
		if b.root {
			return fmt.Errorf("rename: cannot rename the root")
		}
		b.name = name
	}
	return nil
}

// Adopt replaces the contents of dst with those of src: type, value and
// children. dst keeps its place in the tree. The kinds must match.
func Adopt(dst, src Node) error {
	if dst.Kind() != src.Kind() {
		return fmt.Errorf("adopt: cannot replace %s with %s at %s", dst.Kind(), src.Kind(), dst.Address())
	}
	dst.SetType(src.Type())
	switch d := dst.(type) {
	case *Hash:
		s := src.(*Hash)
		for _, c := range d.children {
			orphan(c)
		}
		d.children = make(map[string]Node, len(s.children))
		for _, k := range s.Keys() {
			d.Set(k, s.children[k])
		}
	case *Array:
		s := src.(*Array)
		for _, c := range d.items {
			orphan(c)
		}
		d.items = nil
		for _, c := range s.Children() {
			d.Append(c.base().name, c)
		}
	case *Scalar:
		d.value = src.(*Scalar).value
	}
	return nil
}

// KindForType picks a structural variant for a type tag when no tagged node
// accompanies it.
func KindForType(typ string) Kind {
	switch {
	case typ == "directory", typ == "hash", strings.Contains(typ, "-hash"), strings.HasPrefix(typ, "hash-"):
		return KindHash
	case typ == "array", typ == "list", strings.Contains(typ, "-array"), strings.HasPrefix(typ, "array-"), strings.HasPrefix(typ, "list-"):
		return KindArray
	default:
		return KindScalar
	}
}

// New creates a detached node of kind k.
func New(k Kind, typ string, value any) Node {
	switch k {
	case KindHash:
		return NewHash(typ)
	case KindArray:
		return NewArray(typ)
	default:
		return NewScalar(typ, value)
	}
}

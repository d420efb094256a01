package tree

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Metadata is a detached snapshot of a node, safe to keep after the node has
// been removed from the tree.
type Metadata struct {
	Address Address `json:"address"`
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Kind    Kind    `json:"kind"`
	Value   any     `json:"value,omitempty"`
}

// Meta captures n's metadata.
func Meta(n Node) Metadata {
	m := Metadata{
		Address: n.Address(),
		Name:    n.Name(),
		Type:    n.Type(),
		Kind:    n.Kind(),
	}
	if s, ok := n.(*Scalar); ok {
		m.Value = s.value
	}
	return m
}

// Lookup resolves addr below root (recursive).
func Lookup(root Node, addr Address) Node {
	if root == nil {
		return nil
	}
	n := root
	for _, seg := range addr.Segments() {
		n = Child(n, seg)
		if n == nil {
			return nil
		}
	}
	return n
}

// Walk visits n and its descendants depth first. Returning an error stops
// the walk.
func Walk(n Node, fn func(Node) error) error {
	if n == nil {
		return nil
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range Children(n) {
		if err := Walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// CountNodes counts all nodes in a tree.
func CountNodes(root Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, c := range Children(root) {
		count += CountNodes(c)
	}
	return count
}

// Flatten returns all nodes in a flat map keyed by address.
func Flatten(root Node) map[Address]Node {
	result := make(map[Address]Node)
	Walk(root, func(n Node) error {
		result[n.Address()] = n
		return nil
	})
	return result
}

// Clone returns a detached deep copy of n. Transient flags are not copied.
func Clone(n Node) Node {
	var out Node
	switch n := n.(type) {
	case *Hash:
		h := NewHash(n.typ)
		for _, k := range n.Keys() {
			h.Set(k, Clone(n.children[k]))
		}
		out = h
	case *Array:
		a := NewArray(n.typ)
		for _, c := range n.items {
			a.Append(c.base().name, Clone(c))
		}
		out = a
	case *Scalar:
		out = NewScalar(n.typ, n.value)
	default:
		return nil
	}
	out.base().name = n.Name()
	readdress(out, n.Address())
	return out
}

// Equal reports structural equality: kind, name, type, scalar values and
// children. Addresses and transient flags are ignored.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() || a.Name() != b.Name() || a.Type() != b.Type() {
		return false
	}
	switch a := a.(type) {
	case *Hash:
		bh := b.(*Hash)
		if len(a.children) != len(bh.children) {
			return false
		}
		for k, c := range a.children {
			if !Equal(c, bh.children[k]) {
				return false
			}
		}
	case *Array:
		ba := b.(*Array)
		if len(a.items) != len(ba.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], ba.items[i]) {
				return false
			}
		}
	case *Scalar:
		return scalarEqual(a.value, b.(*Scalar).value)
	}
	return true
}

func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// Fingerprint hashes the structure of n. Two nodes with equal fingerprints
// are, with overwhelming probability, Equal.
func Fingerprint(n Node) uint64 {
	d := xxhash.New()
	writeFingerprint(d, n)
	return d.Sum64()
}

func writeFingerprint(d *xxhash.Digest, n Node) {
	var buf [8]byte
	d.Write([]byte{byte(n.Kind())})
	writeString(d, n.Name())
	writeString(d, n.Type())
	switch n := n.(type) {
	case *Hash:
		binary.LittleEndian.PutUint64(buf[:], uint64(len(n.children)))
		d.Write(buf[:])
		for _, k := range n.Keys() {
			writeFingerprint(d, n.children[k])
		}
	case *Array:
		binary.LittleEndian.PutUint64(buf[:], uint64(len(n.items)))
		d.Write(buf[:])
		for _, c := range n.items {
			writeFingerprint(d, c)
		}
	case *Scalar:
		if f, ok := toFloat(n.value); ok {
			d.Write([]byte{'f'})
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
			d.Write(buf[:])
			return
		}
		switch v := n.value.(type) {
		case nil:
			d.Write([]byte{'n'})
		case string:
			d.Write([]byte{'s'})
			writeString(d, v)
		case bool:
			d.Write([]byte{'b', boolByte(v)})
		default:
			d.Write([]byte{'?'})
			writeString(d, fmt.Sprint(v))
		}
	}
}

func writeString(d *xxhash.Digest, s string) {
	d.WriteString(strconv.Itoa(len(s)))
	d.Write([]byte{':'})
	d.WriteString(s)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

package tree

import (
	"strings"
)

// Address is a slash-delimited path identifying a node's position in the tree.
// The root is "/".
type Address string

// RootAddress addresses the root node.
const RootAddress Address = "/"

// Clean normalizes s into an Address: leading slash added, duplicate and
// trailing slashes removed. The empty string maps to the root.
func Clean(s string) Address {
	if s == "" || s == "/" {
		return RootAddress
	}
	parts := strings.Split(s, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return RootAddress
	}
	return Address("/" + strings.Join(kept, "/"))
}

func (a Address) String() string { return string(a) }

// IsRoot reports whether a addresses the root.
func (a Address) IsRoot() bool {
	return a == RootAddress || a == ""
}

// Parent returns the address with the last segment removed. The root is its
// own parent.
func (a Address) Parent() Address {
	if a.IsRoot() {
		return RootAddress
	}
	i := strings.LastIndexByte(string(a), '/')
	if i <= 0 {
		return RootAddress
	}
	return a[:i]
}

// Base returns the last segment, or "" for the root.
func (a Address) Base() string {
	if a.IsRoot() {
		return ""
	}
	return string(a[strings.LastIndexByte(string(a), '/')+1:])
}

// Child constructs a child address from a + name.
func (a Address) Child(name string) Address {
	if a.IsRoot() {
		return Address("/" + name)
	}
	return Address(string(a) + "/" + name)
}

// Segments splits the address into its names. The root has none.
func (a Address) Segments() []string {
	if a.IsRoot() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(string(a), "/"), "/")
}

// Within reports whether a equals prefix or lies in its subtree.
func (a Address) Within(prefix Address) bool {
	if prefix.IsRoot() {
		return true
	}
	if a == prefix {
		return true
	}
	return strings.HasPrefix(string(a), string(prefix)+"/")
}

// ValidName reports whether name can be used as a single address segment.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

// Package codec converts between wire values and tree nodes.
//
// A wire value is a JSON object carrying exactly one structural sigil key:
//
//	{"%": {"name": <wire>, ...}, "type": "directory"}   hash
//	{"@": [<wire>, ...], "type": "data-array"}          array
//	{"$": "text", "type": "data-scalar-txt"}            scalar
//
// An optional "name" key carries the element key of array members. Any other
// single-character key is an unknown tag.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fruitsalade/hubb/pkg/tree"
)

// Structural tags.
const (
	TagHash   = "%"
	TagArray  = "@"
	TagScalar = "$"
)

// Codec is the wire boundary used by commands to read and write nodes.
type Codec interface {
	Encode(n tree.Node) ([]byte, error)
	Decode(data []byte) (tree.Node, error)
}

// UnknownTagError is returned when a wire value carries a tag outside the
// three structural ones, or none at all.
type UnknownTagError struct {
	Tag string
}

func (e *UnknownTagError) Error() string {
	if e.Tag == "" {
		return "codec: wire value has no structural tag"
	}
	return fmt.Sprintf("codec: unknown tag %q", e.Tag)
}

// ErrScalarValue is returned when a scalar carries a composite value.
var ErrScalarValue = errors.New("codec: scalar value must be a string, number, bool or null")

// JSON is the default Codec.
type JSON struct{}

// Encode renders n as a tagged wire value.
func (JSON) Encode(n tree.Node) ([]byte, error) {
	if n == nil {
		return nil, errors.New("codec: cannot encode nil node")
	}
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(n tree.Node) (map[string]any, error) {
	w := map[string]any{}
	if n.Type() != "" {
		w["type"] = n.Type()
	}
	if n.Name() != "" {
		w["name"] = n.Name()
	}
	switch n := n.(type) {
	case *tree.Hash:
		fields := make(map[string]any, n.Len())
		for _, k := range n.Keys() {
			cw, err := toWire(n.Get(k))
			if err != nil {
				return nil, err
			}
			fields[k] = cw
		}
		w[TagHash] = fields
	case *tree.Array:
		items := make([]any, 0, n.Len())
		for _, c := range n.Children() {
			cw, err := toWire(c)
			if err != nil {
				return nil, err
			}
			items = append(items, cw)
		}
		w[TagArray] = items
	case *tree.Scalar:
		if !primitive(n.Value()) {
			return nil, fmt.Errorf("%w: %s holds %T", ErrScalarValue, n.Address(), n.Value())
		}
		w[TagScalar] = n.Value()
	}
	return w, nil
}

// Decode parses a tagged wire value into a detached node.
func (JSON) Decode(data []byte) (tree.Node, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return fromWire(raw)
}

func fromWire(raw map[string]json.RawMessage) (tree.Node, error) {
	var typ, name string
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &typ); err != nil {
			return nil, fmt.Errorf("codec: type: %w", err)
		}
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &name); err != nil {
			return nil, fmt.Errorf("codec: name: %w", err)
		}
	}

	tag, body, err := structuralTag(raw)
	if err != nil {
		return nil, err
	}

	var n tree.Node
	switch tag {
	case TagHash:
		var fields map[string]map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("codec: hash body: %w", err)
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h := tree.NewHash(typ)
		for _, k := range keys {
			c, err := fromWire(fields[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			h.Set(k, c)
		}
		n = h
	case TagArray:
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("codec: array body: %w", err)
		}
		a := tree.NewArray(typ)
		for i, item := range items {
			c, err := fromWire(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			a.Append(c.Name(), c)
		}
		n = a
	case TagScalar:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("codec: scalar body: %w", err)
		}
		if !primitive(v) {
			return nil, ErrScalarValue
		}
		n = tree.NewScalar(typ, v)
	}

	if name != "" {
		// Detached: there is no parent to collide with.
		tree.Rename(n, name)
	}
	return n, nil
}

func structuralTag(raw map[string]json.RawMessage) (string, json.RawMessage, error) {
	var tag string
	for k := range raw {
		if len(k) != 1 {
			continue
		}
		switch k {
		case TagHash, TagArray, TagScalar:
			if tag != "" {
				return "", nil, fmt.Errorf("codec: conflicting tags %q and %q", tag, k)
			}
			tag = k
		default:
			return "", nil, &UnknownTagError{Tag: k}
		}
	}
	if tag == "" {
		return "", nil, &UnknownTagError{}
	}
	return tag, raw[tag], nil
}

func primitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint64, uint32, json.Number:
		return true
	}
	return false
}

// IsWire reports whether data looks like a tagged wire value rather than a
// plain JSON value.
func IsWire(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var raw map[string]json.RawMessage
	if json.Unmarshal(data, &raw) != nil {
		return false
	}
	_, _, err := structuralTag(raw)
	return err == nil
}

// FromValue builds a detached node from a plain Go value: maps become
// hashes, slices become arrays and everything else a scalar. A tree.Node is
// cloned.
func FromValue(typ string, v any) (tree.Node, error) {
	switch v := v.(type) {
	case tree.Node:
		return tree.Clone(v), nil
	case map[string]any:
		h := tree.NewHash(typ)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c, err := FromValue("", v[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			h.Set(k, c)
		}
		return h, nil
	case []any:
		a := tree.NewArray(typ)
		for i, item := range v {
			c, err := FromValue("", item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			a.Append("", c)
		}
		return a, nil
	default:
		if !primitive(v) {
			return nil, fmt.Errorf("%w: got %T", ErrScalarValue, v)
		}
		return tree.NewScalar(typ, v), nil
	}
}

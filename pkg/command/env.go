package command

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

// Event is the payload dispatched on the bus for every tree mutation.
type Event struct {
	Name    string
	Address tree.Address
	Meta    tree.Metadata
	// Old is the metadata before a rename.
	Old *tree.Metadata
	// Order is the authoritative key order after a reorder.
	Order []string
	// Progress is the last progress report of a failed download.
	Progress *protocol.Progress
	Command  string
}

// Env is what a command mutates while processing a reply. Events are queued
// and only reach the bus on Flush, so listeners run after the mutation is
// complete and may submit further commands.
type Env struct {
	Root  *tree.Hash
	Codec codec.Codec
	Bus   *events.Bus

	queue []Event
}

// NewEnv creates an Env. A nil codec selects codec.JSON.
func NewEnv(root *tree.Hash, c codec.Codec, bus *events.Bus) *Env {
	if c == nil {
		c = codec.JSON{}
	}
	return &Env{Root: root, Codec: c, Bus: bus}
}

func (e *Env) emit(ev Event) {
	e.queue = append(e.queue, ev)
}

// Pending returns the queued events without dispatching them.
func (e *Env) Pending() []Event {
	out := make([]Event, len(e.queue))
	copy(out, e.queue)
	return out
}

// Flush dispatches the queued events in order and empties the queue. Every
// event is dispatched even when listeners of an earlier one failed.
func (e *Env) Flush() error {
	queue := e.queue
	e.queue = nil
	if e.Bus == nil {
		return nil
	}

	var failures error
	for _, ev := range queue {
		err := e.Bus.Dispatch(ev.Name, ev)
		var me *MultipleErrors
		if errors.As(err, &me) {
			failures = multierr.Append(failures, multierr.Combine(me.Errors...))
		} else {
			failures = multierr.Append(failures, err)
		}
	}
	return events.Aggregate(failures)
}

func (e *Env) lookup(addr tree.Address) tree.Node {
	return tree.Lookup(e.Root, addr)
}

// container resolves the hash or array at addr. With create set, missing
// nodes on the way are added as hash placeholders; otherwise a missing node
// yields (nil, nil).
func (e *Env) container(addr tree.Address, create bool) (tree.Node, error) {
	var n tree.Node = e.Root
	at := tree.RootAddress
	for _, seg := range addr.Segments() {
		at = at.Child(seg)
		next := tree.Child(n, seg)
		if next == nil {
			if !create {
				return nil, nil
			}
			placeholder := tree.NewHash("directory")
			switch p := n.(type) {
			case *tree.Hash:
				p.Set(seg, placeholder)
			case *tree.Array:
				p.Append(seg, placeholder)
			}
			next = placeholder
		}
		if next.Kind() == tree.KindScalar {
			return nil, &KindError{Address: at, Have: tree.KindScalar, Want: "hash or array"}
		}
		n = next
	}
	return n, nil
}

// place attaches n at addr, replacing whatever lived there.
func (e *Env) place(addr tree.Address, n tree.Node) error {
	if addr.IsRoot() {
		return e.replace(e.Root, n)
	}
	parent, err := e.container(addr.Parent(), true)
	if err != nil {
		return err
	}
	attach(parent, addr.Base(), n)
	return nil
}

// attach puts n under parent at name. In an array name is resolved like an
// address segment; an unresolved name appends.
func attach(parent tree.Node, name string, n tree.Node) {
	switch p := parent.(type) {
	case *tree.Hash:
		p.Set(name, n)
	case *tree.Array:
		if i := p.IndexOf(name); i >= 0 {
			key := p.At(i).Name()
			p.RemoveAt(i)
			p.Insert(i, key, n)
		} else {
			p.Append(name, n)
		}
	}
}

// replace puts n in old's place. Same-kind nodes are updated in place so the
// root and outstanding references stay valid.
func (e *Env) replace(old, n tree.Node) error {
	if old.Kind() == n.Kind() {
		return tree.Adopt(old, n)
	}
	if tree.IsRoot(old) {
		return &KindError{Address: tree.RootAddress, Have: n.Kind(), Want: "hash"}
	}
	return e.place(old.Address(), n)
}

func (e *Env) decode(raw []byte) (tree.Node, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return e.Codec.Decode(raw)
}

package command

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/protocol"
)

// Batch submits an ordered list of child commands in one round trip. The
// reply is correlated to the children by position.
type Batch struct {
	base
	reg      *Registry
	children []Command
}

func newBatch(r *Registry) Command {
	b := &Batch{reg: r}
	b.base = newBase(protocol.VerbBatch, r.codec, b)
	b.bound = true
	return b
}

// SetArguments rejects positional arguments: children are added with
// AddCommand.
func (b *Batch) SetArguments(args ...any) error {
	if len(args) != 0 {
		return &ArityError{Verb: protocol.VerbBatch, Want: 0, Got: len(args)}
	}
	return nil
}

// AddCommand creates a child for verb, binds args and appends it. The child
// is returned so the caller can keep a handle on its result.
func (b *Batch) AddCommand(verb string, args ...any) (Command, error) {
	v, ok := protocol.ParseVerb(verb)
	if !ok {
		return nil, &UnsupportedVerbError{Verb: verb}
	}
	if v == protocol.VerbBatch {
		return nil, ErrNestedBatch
	}
	cmd, err := b.reg.NewVerb(v)
	if err != nil {
		return nil, err
	}
	if err := cmd.SetArguments(args...); err != nil {
		return nil, err
	}
	b.children = append(b.children, cmd)
	return cmd, nil
}

// Add appends a prebuilt command.
func (b *Batch) Add(cmd Command) error {
	if err := mustVariant(cmd); err != nil {
		return err
	}
	b.children = append(b.children, cmd)
	return nil
}

// Children returns the children in insertion order.
func (b *Batch) Children() []Command {
	out := make([]Command, len(b.children))
	copy(out, b.children)
	return out
}

// Len returns the number of children.
func (b *Batch) Len() int { return len(b.children) }

// BuildRequest returns a batch request carrying every child request in
// insertion order.
func (b *Batch) BuildRequest() (protocol.Request, error) {
	reqs := make([]protocol.Request, 0, len(b.children))
	for i, c := range b.children {
		req, err := c.BuildRequest()
		if err != nil {
			return protocol.Request{}, fmt.Errorf("batch[%d]: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	return protocol.Request{Verb: protocol.VerbBatch, Batch: reqs}, nil
}

// Process checks the reply arity before any child is touched, then
// processes every child in order. Child failures are collected and returned
// together once all children have been attempted.
func (b *Batch) Process(env *Env, reply protocol.Reply) error {
	if b.processed {
		return ErrAlreadyProcessed
	}
	b.processed = true

	if !reply.Sequence {
		return &BatchArityMismatchError{Want: len(b.children), Got: -1}
	}
	if len(reply.Items) != len(b.children) {
		return &BatchArityMismatchError{Want: len(b.children), Got: len(reply.Items)}
	}

	var failures error
	for i, c := range b.children {
		if err := c.Process(env, reply.Items[i]); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("batch[%d] %s %s: %w", i, c.Verb(), c.Target(), err))
		}
	}
	return events.Aggregate(failures)
}

func (b *Batch) apply(*Env, *protocol.Response) error { return nil }

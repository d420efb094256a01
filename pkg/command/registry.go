package command

import (
	"fmt"

	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/protocol"
)

type factory func(r *Registry) Command

var factories map[protocol.Verb]factory

func init() {
	plain := func(fn func(codec.Codec) Command) factory {
		return func(r *Registry) Command { return fn(r.codec) }
	}
	factories = map[protocol.Verb]factory{
		protocol.VerbFetch:    plain(newFetch),
		protocol.VerbStore:    plain(newStore),
		protocol.VerbUpdate:   plain(newUpdate),
		protocol.VerbCreate:   plain(newCreate),
		protocol.VerbInsert:   plain(newInsert),
		protocol.VerbRemove:   plain(newRemove),
		protocol.VerbRename:   plain(newRename),
		protocol.VerbCopy:     plain(newCopy),
		protocol.VerbMove:     plain(newMove),
		protocol.VerbDownload: plain(newDownload),
		protocol.VerbProgress: plain(newProgress),
		protocol.VerbReorder:  plain(newReorder),
		protocol.VerbBatch:    newBatch,
	}
}

// Registry creates commands by verb.
type Registry struct {
	codec codec.Codec
}

// NewRegistry creates a registry whose commands encode node arguments with
// c. A nil codec selects codec.JSON.
func NewRegistry(c codec.Codec) *Registry {
	if c == nil {
		c = codec.JSON{}
	}
	return &Registry{codec: c}
}

// New creates an unbound command for the named verb.
func (r *Registry) New(verb string) (Command, error) {
	v, ok := protocol.ParseVerb(verb)
	if !ok {
		return nil, &UnsupportedVerbError{Verb: verb}
	}
	return r.NewVerb(v)
}

// NewVerb creates an unbound command for v.
func (r *Registry) NewVerb(v protocol.Verb) (Command, error) {
	f, ok := factories[v]
	if !ok {
		return nil, &UnsupportedVerbError{Verb: v.String()}
	}
	return f(r), nil
}

// Build creates a command for verb and binds args.
func (r *Registry) Build(verb string, args ...any) (Command, error) {
	cmd, err := r.New(verb)
	if err != nil {
		return nil, err
	}
	if err := cmd.SetArguments(args...); err != nil {
		return nil, err
	}
	return cmd, nil
}

// NewBatch creates an empty batch.
func (r *Registry) NewBatch() *Batch {
	return newBatch(r).(*Batch)
}

func mustVariant(cmd Command) error {
	if cmd.Verb() == protocol.VerbBatch {
		return ErrNestedBatch
	}
	if cmd.Processed() {
		return fmt.Errorf("%s: %w", cmd.Verb(), ErrAlreadyProcessed)
	}
	return nil
}

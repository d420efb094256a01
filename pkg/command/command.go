// Package command turns verbs into wire requests and applies the server's
// replies to the local mirror tree.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

// Command is one bound instance of a verb.
type Command interface {
	// ID is a unique identifier used for log and metric correlation.
	ID() string
	Verb() protocol.Verb
	// ArgSpec lists the positional argument names in order.
	ArgSpec() []string
	SetArguments(args ...any) error
	Parameters() *protocol.Params
	// Target is the address the request is submitted against.
	Target() tree.Address
	BuildRequest() (protocol.Request, error)
	// Fixup normalizes a response before it is stored as the result.
	Fixup(resp *protocol.Response)
	// Process applies reply to env. A command can be processed once.
	Process(env *Env, reply protocol.Reply) error
	Result() *protocol.Response
	Processed() bool
}

// variant is implemented by each verb type.
type variant interface {
	Fixup(resp *protocol.Response)
	apply(env *Env, resp *protocol.Response) error
}

// base holds the state shared by every verb.
type base struct {
	id        string
	verb      protocol.Verb
	spec      []string
	codec     codec.Codec
	self      variant
	args      []any
	params    *protocol.Params
	bound     bool
	processed bool
	result    *protocol.Response
}

func newBase(verb protocol.Verb, c codec.Codec, self variant, spec ...string) base {
	if c == nil {
		c = codec.JSON{}
	}
	return base{
		id:     ulid.Make().String(),
		verb:   verb,
		spec:   spec,
		codec:  c,
		self:   self,
		params: protocol.NewParams(),
	}
}

func (b *base) ID() string                   { return b.id }
func (b *base) Verb() protocol.Verb          { return b.verb }
func (b *base) Parameters() *protocol.Params { return b.params }
func (b *base) Result() *protocol.Response   { return b.result }
func (b *base) Processed() bool              { return b.processed }

func (b *base) ArgSpec() []string {
	out := make([]string, len(b.spec))
	copy(out, b.spec)
	return out
}

func (b *base) Target() tree.Address {
	return tree.Clean(b.params.String("target"))
}

// SetArguments binds args to the argspec names by position. Node values are
// encoded to their wire form.
func (b *base) SetArguments(args ...any) error {
	if len(args) != len(b.spec) {
		return &ArityError{Verb: b.verb, Want: len(b.spec), Got: len(args)}
	}
	params := protocol.NewParams()
	for i, name := range b.spec {
		v := args[i]
		if n, ok := v.(tree.Node); ok {
			data, err := b.codec.Encode(n)
			if err != nil {
				return fmt.Errorf("%s: argument %s: %w", b.verb, name, err)
			}
			v = json.RawMessage(data)
		}
		params.Set(name, v)
	}
	b.args = args
	b.params = params
	b.bound = true
	return nil
}

func (b *base) arg(name string) any {
	for i, n := range b.spec {
		if n == name && i < len(b.args) {
			return b.args[i]
		}
	}
	return nil
}

func (b *base) BuildRequest() (protocol.Request, error) {
	if !b.bound {
		return protocol.Request{}, fmt.Errorf("%s: %w", b.verb, ErrUnbound)
	}
	params := protocol.NewParams()
	for _, k := range b.params.Keys() {
		v, _ := b.params.Get(k)
		params.Set(k, v)
	}
	return protocol.Request{Verb: b.verb, Parameters: params}, nil
}

// Fixup fills in the response type from the node when the server omitted it.
func (b *base) Fixup(resp *protocol.Response) {
	if resp.Type != "" || len(resp.Node) == 0 {
		return
	}
	var peek struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(resp.Node, &peek) == nil {
		resp.Type = peek.Type
	}
}

func (b *base) Process(env *Env, reply protocol.Reply) error {
	if b.processed {
		return ErrAlreadyProcessed
	}
	b.processed = true

	if reply.Sequence || reply.Response == nil {
		return b.malformed("expected a single response", nil)
	}
	resp := reply.Response
	b.self.Fixup(resp)
	b.result = resp
	if resp.Failed() {
		return &RemoteError{Verb: b.verb, Address: b.Target(), Message: resp.Error}
	}
	return b.self.apply(env, resp)
}

func (b *base) malformed(reason string, err error) error {
	return &MalformedResponseError{Verb: b.verb, Address: b.Target(), Reason: reason, Err: err}
}

func (b *base) notFound(addr tree.Address) error {
	return &NotFoundError{Verb: b.verb, Address: addr}
}

// decodeNode decodes the response node, reporting codec failures as
// malformed responses.
func (b *base) decodeNode(env *Env, resp *protocol.Response) (tree.Node, error) {
	n, err := env.decode(resp.Node)
	if err != nil {
		return nil, b.malformed("undecodable node", err)
	}
	return n, nil
}

// valueNode builds the node described by a bound argument: wire JSON is
// decoded, nodes are cloned and plain values converted.
func (b *base) valueNode(env *Env, typ string, v any) (tree.Node, error) {
	switch v := v.(type) {
	case json.RawMessage:
		return env.Codec.Decode(v)
	case []byte:
		if codec.IsWire(v) {
			return env.Codec.Decode(v)
		}
		return codec.FromValue(typ, string(v))
	}
	return codec.FromValue(typ, v)
}

func (b *base) event(name string, n tree.Node) Event {
	return Event{Name: name, Address: n.Address(), Meta: tree.Meta(n), Command: b.id}
}

func (b *base) stringArg(name string) string {
	return b.params.String(name)
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	}
	return 0, fmt.Errorf("not an index: %T", v)
}

func toStrings(v any) ([]string, error) {
	switch v := v.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return strings.Split(v, ","), nil
	}
	return nil, fmt.Errorf("not a key list: %T", v)
}

// Package protocol defines the verb vocabulary and the request/response
// envelopes exchanged with the remote store.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/hubb/pkg/tree"
)

// Verb is one of the fixed remote operations.
type Verb int

const (
	VerbFetch Verb = iota + 1
	VerbStore
	VerbUpdate
	VerbCreate
	VerbInsert
	VerbRemove
	VerbRename
	VerbCopy
	VerbMove
	VerbDownload
	VerbProgress
	VerbReorder
	VerbBatch
)

var verbNames = [...]string{
	VerbFetch:    "fetch",
	VerbStore:    "store",
	VerbUpdate:   "update",
	VerbCreate:   "create",
	VerbInsert:   "insert",
	VerbRemove:   "remove",
	VerbRename:   "rename",
	VerbCopy:     "copy",
	VerbMove:     "move",
	VerbDownload: "download",
	VerbProgress: "progress",
	VerbReorder:  "reorder",
	VerbBatch:    "batch",
}

func (v Verb) String() string {
	if v > 0 && int(v) < len(verbNames) {
		return verbNames[v]
	}
	return fmt.Sprintf("verb(%d)", int(v))
}

// Verbs returns every verb in declaration order.
func Verbs() []Verb {
	out := make([]Verb, 0, len(verbNames)-1)
	for v := VerbFetch; v <= VerbBatch; v++ {
		out = append(out, v)
	}
	return out
}

// ParseVerb maps a verb name to its tag. ok is false for unknown names.
func ParseVerb(name string) (v Verb, ok bool) {
	for i, n := range verbNames {
		if i > 0 && n == name {
			return Verb(i), true
		}
	}
	return 0, false
}

func (v Verb) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Verb) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseVerb(name)
	if !ok {
		return fmt.Errorf("unknown verb %q", name)
	}
	*v = parsed
	return nil
}

// Params is an ordered mapping of argument name to value. It marshals as a
// JSON object whose keys keep their binding order.
type Params struct {
	names  []string
	values map[string]any
}

// NewParams creates an empty parameter set.
func NewParams() *Params {
	return &Params{values: make(map[string]any)}
}

// Set binds name to value, appending name when it is new.
func (p *Params) Set(name string, value any) {
	if _, ok := p.values[name]; !ok {
		p.names = append(p.names, name)
	}
	p.values[name] = value
}

// Get returns the value bound to name.
func (p *Params) Get(name string) (any, bool) {
	v, ok := p.values[name]
	return v, ok
}

// String returns the value bound to name formatted as a string.
func (p *Params) String(name string) string {
	v, ok := p.values[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Keys returns the bound names in binding order.
func (p *Params) Keys() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Len returns the number of bound names.
func (p *Params) Len() int { return len(p.names) }

func (p *Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.values[name])
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parameters: expected object")
	}
	p.names = nil
	p.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		p.Set(name, v)
	}
	_, err = dec.Token()
	return err
}

// Request is one verb invocation on the wire. A batch request marshals as
// the bare ordered array of its children.
type Request struct {
	Verb       Verb      `json:"verb"`
	Parameters *Params   `json:"parameters"`
	Batch      []Request `json:"-"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	if r.Verb == VerbBatch {
		batch := r.Batch
		if batch == nil {
			batch = []Request{}
		}
		return json.Marshal(batch)
	}
	type plain Request
	p := plain(r)
	if p.Parameters == nil {
		p.Parameters = NewParams()
	}
	return json.Marshal(p)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		r.Verb = VerbBatch
		r.Parameters = nil
		return json.Unmarshal(data, &r.Batch)
	}
	type plain Request
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Request(p)
	return nil
}

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Progress states reported for asynchronous downloads.
const (
	ProgressRunning  = "running"
	ProgressComplete = "complete"
	ProgressFailed   = "failed"
)

// Progress is the body of a progress reply.
type Progress struct {
	State   string `json:"state"`
	Done    int64  `json:"done,omitempty"`
	Total   int64  `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// Finished reports whether no further polling is needed.
func (p *Progress) Finished() bool {
	return p.State == ProgressComplete || p.State == ProgressFailed
}

// Response is the reply to one verb. Which fields must be present depends on
// the verb.
type Response struct {
	Status   string          `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Node     json.RawMessage `json:"node,omitempty"`
	Type     string          `json:"type,omitempty"`
	Meta     *tree.Metadata  `json:"meta,omitempty"`
	Order    []string        `json:"order,omitempty"`
	Job      string          `json:"job,omitempty"`
	Progress *Progress       `json:"progress,omitempty"`
}

// Failed reports whether the server rejected the operation.
func (r *Response) Failed() bool {
	return r != nil && r.Status == StatusError
}

// Reply is a decoded response body: either a single Response or, for batch
// requests, an ordered sequence of replies.
type Reply struct {
	*Response
	Items []Reply
	// Sequence is set when the body was a JSON array.
	Sequence bool
}

// Single wraps a Response as a Reply.
func Single(r *Response) Reply {
	return Reply{Response: r}
}

// SequenceOf wraps replies as a batch Reply.
func SequenceOf(items ...Reply) Reply {
	return Reply{Items: items, Sequence: true}
}

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Sequence {
		items := r.Items
		if items == nil {
			items = []Reply{}
		}
		return json.Marshal(items)
	}
	if r.Response == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.Response)
}

func (r *Reply) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		r.Sequence = true
		r.Response = nil
		return json.Unmarshal(data, &r.Items)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	r.Response = &resp
	r.Items = nil
	r.Sequence = false
	return nil
}

// DecodeReply parses a response body.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

// ErrorResponse builds a failed Response.
func ErrorResponse(format string, args ...any) *Response {
	return &Response{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

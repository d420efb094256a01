// Package hubtest provides an in-memory remote store that speaks the verb
// protocol. It implements client.Transport for direct use in tests and
// http.Handler for use behind httptest or the hubctl demo mode.
package hubtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/fruitsalade/hubb/pkg/client"
	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

type job struct {
	id        string
	dest      tree.Address
	url       string
	remaining int
	fail      string
	done      bool
}

// Remote is an authoritative tree plus the verb handlers that mutate it.
type Remote struct {
	mu       sync.Mutex
	root     *tree.Hash
	codec    codec.JSON
	jobs     map[string]*job
	requests []protocol.Request

	steps    int
	failWith string
	offline  error
	hook     func(protocol.Request) *protocol.Response
}

// New creates an empty remote whose downloads complete after two running
// progress reports.
func New() *Remote {
	return &Remote{
		root:  tree.NewRoot(),
		jobs:  make(map[string]*job),
		steps: 2,
	}
}

var _ client.Transport = (*Remote)(nil)

// Seed places a clone of n at addr, creating hash placeholders on the way.
func (r *Remote) Seed(addr string, n tree.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := place(r.root, tree.Clean(addr), tree.Clone(n)); err != nil {
		panic(err)
	}
}

// Node returns a clone of the server-side node at addr, or nil.
func (r *Remote) Node(addr string) tree.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := tree.Lookup(r.root, tree.Clean(addr))
	if n == nil {
		return nil
	}
	return tree.Clone(n)
}

// SetDownloadSteps sets how many running reports precede completion.
func (r *Remote) SetDownloadSteps(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = n
}

// FailDownloads makes subsequent downloads fail with msg once their steps
// are exhausted.
func (r *Remote) FailDownloads(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = msg
}

// SetOffline makes Submit fail with err before touching any state. A nil
// err brings the remote back.
func (r *Remote) SetOffline(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = err
}

// Intercept installs fn, which may answer a request instead of the verb
// handler by returning a non-nil response.
func (r *Remote) Intercept(fn func(protocol.Request) *protocol.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Requests returns every request received, batch children included as
// their own batch request.
func (r *Remote) Requests() []protocol.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Request, len(r.requests))
	copy(out, r.requests)
	return out
}

// Count returns how many requests with verb v were received, counting batch
// children.
func (r *Remote) Count(v protocol.Verb) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.Verb == v {
			n++
		}
		for _, child := range req.Batch {
			if child.Verb == v {
				n++
			}
		}
	}
	return n
}

// Submit handles one encoded request.
func (r *Remote) Submit(ctx context.Context, address string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline != nil {
		return nil, r.offline
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("hubtest: bad request: %w", err)
	}
	r.requests = append(r.requests, req)

	var reply protocol.Reply
	if req.Verb == protocol.VerbBatch {
		items := make([]protocol.Reply, len(req.Batch))
		for i, child := range req.Batch {
			items[i] = protocol.Single(r.handle(child))
		}
		reply = protocol.SequenceOf(items...)
	} else {
		reply = protocol.Single(r.handle(req))
	}
	return json.Marshal(reply)
}

// ServeHTTP serves POST /hubb/<address> and GET /health.
func (r *Remote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodGet && req.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if req.Method != http.MethodPost || !strings.HasPrefix(req.URL.Path, client.SubmitPath) {
		http.NotFound(w, req)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := r.Submit(req.Context(), strings.TrimPrefix(req.URL.Path, client.SubmitPath), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (r *Remote) handle(req protocol.Request) *protocol.Response {
	if r.hook != nil {
		if resp := r.hook(req); resp != nil {
			return resp
		}
	}
	p := req.Parameters
	if p == nil {
		p = protocol.NewParams()
	}
	target := tree.Clean(p.String("target"))

	resp, err := r.dispatch(req.Verb, target, p)
	if err != nil {
		return protocol.ErrorResponse("%s %s: %v", req.Verb, target, err)
	}
	resp.Status = protocol.StatusOK
	return resp
}

var errNotFound = errors.New("not found")

func (r *Remote) dispatch(verb protocol.Verb, target tree.Address, p *protocol.Params) (*protocol.Response, error) {
	switch verb {
	case protocol.VerbFetch:
		n := tree.Lookup(r.root, target)
		if n == nil {
			return nil, errNotFound
		}
		return r.withNode(&protocol.Response{}, n)

	case protocol.VerbStore:
		v, _ := p.Get("value")
		n, err := toNode("", v)
		if err != nil {
			return nil, err
		}
		if old := tree.Lookup(r.root, target); old != nil && n.Type() == "" {
			n.SetType(old.Type())
		}
		if err := place(r.root, target, n); err != nil {
			return nil, err
		}
		return &protocol.Response{Type: n.Type()}, nil

	case protocol.VerbUpdate:
		h, ok := tree.Lookup(r.root, target).(*tree.Hash)
		if !ok {
			return nil, errNotFound
		}
		v, _ := p.Get("fields")
		fields, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fields must be an object")
		}
		for k, fv := range fields {
			n, err := toNode("", fv)
			if err != nil {
				return nil, err
			}
			if old := h.Get(k); old != nil && n.Type() == "" {
				n.SetType(old.Type())
			}
			h.Set(k, n)
		}
		return &protocol.Response{}, nil

	case protocol.VerbCreate, protocol.VerbInsert:
		typ := p.String("type")
		v, _ := p.Get("value")
		var n tree.Node
		if kind := tree.KindForType(typ); kind != tree.KindScalar && (v == nil || v == "") {
			n = tree.New(kind, typ, nil)
		} else {
			var err error
			if n, err = toNode(typ, v); err != nil {
				return nil, err
			}
		}
		name := p.String("name")
		if verb == protocol.VerbInsert {
			arr, ok := tree.Lookup(r.root, target).(*tree.Array)
			if !ok {
				return nil, errNotFound
			}
			idx, _ := p.Get("index")
			i, ok := idx.(float64)
			if !ok {
				return nil, fmt.Errorf("index must be a number")
			}
			arr.Insert(int(i), name, n)
		} else if arr, ok := tree.Lookup(r.root, target).(*tree.Array); ok {
			arr.Append(name, n)
		} else if err := place(r.root, target.Child(name), n); err != nil {
			return nil, err
		}
		return r.withNode(&protocol.Response{}, n)

	case protocol.VerbRemove:
		n := tree.Lookup(r.root, target)
		if n == nil || tree.IsRoot(n) {
			return nil, errNotFound
		}
		meta := tree.Meta(n)
		tree.Detach(n)
		return &protocol.Response{Meta: &meta}, nil

	case protocol.VerbRename:
		n := tree.Lookup(r.root, target)
		if n == nil {
			return nil, errNotFound
		}
		if err := tree.Rename(n, p.String("name")); err != nil {
			return nil, err
		}
		meta := tree.Meta(n)
		return &protocol.Response{Meta: &meta}, nil

	case protocol.VerbCopy, protocol.VerbMove:
		n := tree.Lookup(r.root, target)
		if n == nil || tree.IsRoot(n) {
			return nil, errNotFound
		}
		dest := tree.Clean(p.String("destination"))
		if dest.Within(target) {
			return nil, fmt.Errorf("destination inside source")
		}
		if dest.IsRoot() {
			return nil, fmt.Errorf("destination is the root")
		}
		parent, err := ensure(r.root, dest.Parent())
		if err != nil {
			return nil, err
		}
		moved := tree.Clone(n)
		if verb == protocol.VerbMove {
			tree.Detach(n)
		}
		attach(parent, dest.Base(), moved)
		if verb == protocol.VerbCopy {
			return r.withNode(&protocol.Response{}, moved)
		}
		return &protocol.Response{}, nil

	case protocol.VerbReorder:
		arr, ok := tree.Lookup(r.root, target).(*tree.Array)
		if !ok {
			return nil, errNotFound
		}
		v, _ := p.Get("order")
		var order []string
		if items, ok := v.([]any); ok {
			for _, item := range items {
				order = append(order, fmt.Sprint(item))
			}
		}
		if err := arr.Reorder(order); err != nil {
			return nil, err
		}
		return &protocol.Response{Order: arr.Keys()}, nil

	case protocol.VerbDownload:
		name := p.String("name")
		if !tree.ValidName(name) {
			return nil, fmt.Errorf("invalid name %q", name)
		}
		j := &job{
			id:        ulid.Make().String(),
			dest:      target.Child(name),
			url:       p.String("url"),
			remaining: r.steps,
			fail:      r.failWith,
		}
		r.jobs[j.id] = j
		return &protocol.Response{Job: j.id}, nil

	case protocol.VerbProgress:
		j, ok := r.jobs[p.String("job")]
		if !ok {
			return nil, fmt.Errorf("unknown job %q", p.String("job"))
		}
		if j.remaining > 0 {
			j.remaining--
			done := int64(r.steps - j.remaining)
			return &protocol.Response{Progress: &protocol.Progress{
				State: protocol.ProgressRunning, Done: done, Total: int64(r.steps) + 1,
			}}, nil
		}
		if j.fail != "" {
			return &protocol.Response{Progress: &protocol.Progress{State: protocol.ProgressFailed, Message: j.fail}}, nil
		}
		n := tree.Lookup(r.root, j.dest)
		if !j.done {
			n = tree.NewScalar("file-binary", j.url)
			if err := place(r.root, j.dest, n); err != nil {
				return nil, err
			}
			j.done = true
		}
		total := int64(r.steps) + 1
		return r.withNode(&protocol.Response{Progress: &protocol.Progress{
			State: protocol.ProgressComplete, Done: total, Total: total,
		}}, n)
	}
	return nil, fmt.Errorf("verb %s not supported by the remote", verb)
}

func (r *Remote) withNode(resp *protocol.Response, n tree.Node) (*protocol.Response, error) {
	if n == nil {
		return resp, nil
	}
	data, err := r.codec.Encode(n)
	if err != nil {
		return nil, err
	}
	resp.Node = data
	resp.Type = n.Type()
	return resp, nil
}

// toNode converts a decoded parameter value: wire objects are decoded,
// anything else goes through codec.FromValue.
func toNode(typ string, v any) (tree.Node, error) {
	if m, ok := v.(map[string]any); ok {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		if codec.IsWire(data) {
			n, err := codec.JSON{}.Decode(data)
			if err != nil {
				return nil, err
			}
			if typ != "" {
				n.SetType(typ)
			}
			return n, nil
		}
	}
	return codec.FromValue(typ, v)
}

func place(root *tree.Hash, addr tree.Address, n tree.Node) error {
	if addr.IsRoot() {
		return tree.Adopt(root, n)
	}
	parent, err := ensure(root, addr.Parent())
	if err != nil {
		return err
	}
	attach(parent, addr.Base(), n)
	return nil
}

// ensure resolves the container at addr, adding hash placeholders.
func ensure(root *tree.Hash, addr tree.Address) (tree.Node, error) {
	var parent tree.Node = root
	for _, seg := range addr.Segments() {
		next := tree.Child(parent, seg)
		if next == nil {
			h := tree.NewHash("directory")
			switch p := parent.(type) {
			case *tree.Hash:
				p.Set(seg, h)
			case *tree.Array:
				p.Append(seg, h)
			}
			next = h
		}
		if next.Kind() == tree.KindScalar {
			return nil, fmt.Errorf("%s is not a container", next.Address())
		}
		parent = next
	}
	return parent, nil
}

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

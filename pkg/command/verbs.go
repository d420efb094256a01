package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

// Fetch populates or refreshes the node at target, descendants included.
type Fetch struct{ base }

func newFetch(c codec.Codec) Command {
	f := &Fetch{}
	f.base = newBase(protocol.VerbFetch, c, f, "target")
	return f
}

func (f *Fetch) apply(env *Env, resp *protocol.Response) error {
	n, err := f.decodeNode(env, resp)
	if err != nil {
		return err
	}
	if n == nil {
		return f.malformed("missing node", nil)
	}

	addr := f.Target()
	old := env.lookup(addr)
	if old == nil {
		if err := env.place(addr, n); err != nil {
			return err
		}
		env.emit(f.event(events.Create, n))
		return nil
	}

	tree.Rename(n, old.Name())
	if old.Kind() == n.Kind() && tree.Fingerprint(old) == tree.Fingerprint(n) {
		return nil
	}
	if err := env.replace(old, n); err != nil {
		return err
	}
	if cur := env.lookup(addr); cur != nil {
		env.emit(f.event(events.Change, cur))
	}
	return nil
}

// Store overwrites the value at target, creating the node on first store.
type Store struct{ base }

func newStore(c codec.Codec) Command {
	s := &Store{}
	s.base = newBase(protocol.VerbStore, c, s, "target", "value")
	return s
}

func (s *Store) apply(env *Env, resp *protocol.Response) error {
	n, err := s.decodeNode(env, resp)
	if err != nil {
		return err
	}
	if n == nil {
		if n, err = s.valueNode(env, resp.Type, s.arg("value")); err != nil {
			return fmt.Errorf("store: value: %w", err)
		}
	}
	if resp.Type != "" {
		n.SetType(resp.Type)
	}

	addr := s.Target()
	old := env.lookup(addr)
	if old == nil {
		if err := env.place(addr, n); err != nil {
			return err
		}
		env.emit(s.event(events.Create, n))
		return nil
	}
	if old.Kind() != n.Kind() {
		return &KindError{Address: addr, Have: old.Kind(), Want: n.Kind().String()}
	}
	if n.Type() == "" {
		n.SetType(old.Type())
	}
	if err := tree.Adopt(old, n); err != nil {
		return err
	}
	env.emit(s.event(events.Change, old))
	return nil
}

// Update overwrites field values of the hash at target. Missing fields are
// created.
type Update struct{ base }

func newUpdate(c codec.Codec) Command {
	u := &Update{}
	u.base = newBase(protocol.VerbUpdate, c, u, "target", "fields")
	return u
}

func (u *Update) apply(env *Env, resp *protocol.Response) error {
	addr := u.Target()
	old := env.lookup(addr)
	if old == nil {
		return u.notFound(addr)
	}
	h, ok := old.(*tree.Hash)
	if !ok {
		return &KindError{Address: addr, Have: old.Kind(), Want: "hash"}
	}

	n, err := u.decodeNode(env, resp)
	if err != nil {
		return err
	}
	if n != nil {
		if n.Kind() != tree.KindHash {
			return u.malformed("update returned a "+n.Kind().String(), nil)
		}
		if n.Type() == "" {
			n.SetType(h.Type())
		}
		if err := tree.Adopt(h, n); err != nil {
			return err
		}
		env.emit(u.event(events.Change, h))
		return nil
	}

	fields, err := fieldMap(u.arg("fields"))
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Build every replacement before touching the tree.
	next := make(map[string]tree.Node, len(keys))
	for _, k := range keys {
		if !tree.ValidName(k) {
			return fmt.Errorf("update: invalid field name %q", k)
		}
		cn, err := u.valueNode(env, "", fields[k])
		if err != nil {
			return fmt.Errorf("update: field %s: %w", k, err)
		}
		next[k] = cn
	}
	for _, k := range keys {
		cn := next[k]
		child := h.Get(k)
		if child != nil && child.Kind() == cn.Kind() {
			if cn.Type() == "" {
				cn.SetType(child.Type())
			}
			tree.Adopt(child, cn)
			continue
		}
		h.Set(k, cn)
	}
	env.emit(u.event(events.Change, h))
	return nil
}

func fieldMap(v any) (map[string]any, error) {
	switch v := v.(type) {
	case map[string]any:
		return v, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	case *tree.Hash:
		out := make(map[string]any, v.Len())
		for _, k := range v.Keys() {
			out[k] = v.Get(k)
		}
		return out, nil
	}
	return nil, fmt.Errorf("fields must be a mapping, got %T", v)
}

// newNode builds the node a create-style verb attaches: the response node
// when present, otherwise one derived from the type tag and bound value.
func (b *base) newNode(env *Env, resp *protocol.Response, typ string, value any) (tree.Node, error) {
	if resp.Type != "" {
		typ = resp.Type
	}
	n, err := b.decodeNode(env, resp)
	if err != nil {
		return nil, err
	}
	if n == nil {
		kind := tree.KindForType(typ)
		if kind != tree.KindScalar && (value == nil || value == "") {
			n = tree.New(kind, typ, nil)
		} else if n, err = b.valueNode(env, typ, value); err != nil {
			return nil, fmt.Errorf("%s: value: %w", b.verb, err)
		}
	}
	if n.Type() == "" {
		n.SetType(typ)
	}
	return n, nil
}

// Create adds a named child under target.
type Create struct{ base }

func newCreate(c codec.Codec) Command {
	cr := &Create{}
	cr.base = newBase(protocol.VerbCreate, c, cr, "target", "name", "type", "value")
	return cr
}

func (c *Create) apply(env *Env, resp *protocol.Response) error {
	name := c.stringArg("name")
	if !tree.ValidName(name) {
		return fmt.Errorf("create: invalid name %q", name)
	}
	n, err := c.newNode(env, resp, c.stringArg("type"), c.arg("value"))
	if err != nil {
		return err
	}
	parent, err := env.container(c.Target(), true)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case *tree.Hash:
		p.Set(name, n)
	case *tree.Array:
		p.Append(name, n)
	}
	env.emit(c.event(events.Create, n))
	return nil
}

// Insert adds a keyed element at index into the array at target.
type Insert struct{ base }

func newInsert(c codec.Codec) Command {
	in := &Insert{}
	in.base = newBase(protocol.VerbInsert, c, in, "target", "index", "name", "type", "value")
	return in
}

func (in *Insert) apply(env *Env, resp *protocol.Response) error {
	addr := in.Target()
	parent := env.lookup(addr)
	if parent == nil {
		return in.notFound(addr)
	}
	arr, ok := parent.(*tree.Array)
	if !ok {
		return &KindError{Address: addr, Have: parent.Kind(), Want: "array"}
	}
	idx, err := toInt(in.arg("index"))
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	n, err := in.newNode(env, resp, in.stringArg("type"), in.arg("value"))
	if err != nil {
		return err
	}
	arr.Insert(idx, in.stringArg("name"), n)
	env.emit(in.event(events.Create, n))
	return nil
}

// Remove detaches the node at target.
type Remove struct{ base }

func newRemove(c codec.Codec) Command {
	r := &Remove{}
	r.base = newBase(protocol.VerbRemove, c, r, "target")
	return r
}

func (r *Remove) apply(env *Env, resp *protocol.Response) error {
	addr := r.Target()
	n := env.lookup(addr)

	var meta tree.Metadata
	switch {
	case n != nil:
		meta = tree.Meta(n)
	case resp.Meta != nil:
		meta = *resp.Meta
		if meta.Address == "" {
			meta.Address = addr
		}
	default:
		return r.malformed("no metadata for the removed node", nil)
	}

	if n != nil {
		if tree.IsRoot(n) {
			return fmt.Errorf("remove: cannot remove the root")
		}
		tree.Detach(n)
	}
	env.emit(Event{Name: events.Remove, Address: meta.Address, Meta: meta, Command: r.id})
	return nil
}

// Rename changes the key of the node at target.
type Rename struct{ base }

func newRename(c codec.Codec) Command {
	r := &Rename{}
	r.base = newBase(protocol.VerbRename, c, r, "target", "name")
	return r
}

func (r *Rename) apply(env *Env, resp *protocol.Response) error {
	addr := r.Target()
	n := env.lookup(addr)
	if n == nil {
		return r.notFound(addr)
	}
	name := r.stringArg("name")
	if !tree.ValidName(name) {
		return fmt.Errorf("rename: invalid name %q", name)
	}
	old := tree.Meta(n)
	if err := tree.Rename(n, name); err != nil {
		return err
	}
	ev := r.event(events.Rename, n)
	ev.Old = &old
	env.emit(ev)
	return nil
}

// Copy attaches a copy of target at destination.
type Copy struct{ base }

func newCopy(c codec.Codec) Command {
	cp := &Copy{}
	cp.base = newBase(protocol.VerbCopy, c, cp, "target", "destination")
	return cp
}

func (c *Copy) apply(env *Env, resp *protocol.Response) error {
	dest := tree.Clean(c.stringArg("destination"))
	if dest.IsRoot() {
		return fmt.Errorf("copy: destination cannot be the root")
	}
	n, err := c.decodeNode(env, resp)
	if err != nil {
		return err
	}
	if n == nil {
		src := env.lookup(c.Target())
		if src == nil {
			return c.malformed("no node in response and no local source", nil)
		}
		n = tree.Clone(src)
	}
	if resp.Type != "" {
		n.SetType(resp.Type)
	}
	if err := env.place(dest, n); err != nil {
		return err
	}
	env.emit(c.event(events.Create, n))
	return nil
}

// Move relocates target to destination. Everything that can fail is checked
// before the tree is touched, so the move applies completely or not at all.
// The destination container is resolved before the source is detached; an
// index in the destination's last segment counts after the detach.
type Move struct{ base }

func newMove(c codec.Codec) Command {
	m := &Move{}
	m.base = newBase(protocol.VerbMove, c, m, "target", "destination")
	return m
}

func (m *Move) apply(env *Env, resp *protocol.Response) error {
	from := m.Target()
	dest := tree.Clean(m.stringArg("destination"))
	if from.IsRoot() || dest.IsRoot() {
		return fmt.Errorf("move: the root cannot be moved or replaced")
	}
	if dest.Within(from) {
		return fmt.Errorf("move: %s lies inside %s", dest, from)
	}
	if _, err := env.container(dest.Parent(), false); err != nil {
		return err
	}
	n, err := m.decodeNode(env, resp)
	if err != nil {
		return err
	}
	src := env.lookup(from)
	if src == nil && n == nil {
		return m.malformed("no node in response and no local source", nil)
	}

	parent, err := env.container(dest.Parent(), true)
	if err != nil {
		return err
	}

	if src != nil {
		meta := tree.Meta(src)
		tree.Detach(src)
		env.emit(Event{Name: events.Remove, Address: meta.Address, Meta: meta, Command: m.id})
		if n == nil {
			n = src
		}
	}
	attach(parent, dest.Base(), n)
	env.emit(m.event(events.Create, n))
	return nil
}

// Reorder rearranges the elements of the array at target.
type Reorder struct{ base }

func newReorder(c codec.Codec) Command {
	r := &Reorder{}
	r.base = newBase(protocol.VerbReorder, c, r, "target", "order")
	return r
}

// SetArguments accepts the order as []string, []any or a comma list.
func (r *Reorder) SetArguments(args ...any) error {
	if len(args) == 2 {
		order, err := toStrings(args[1])
		if err != nil {
			return fmt.Errorf("reorder: %w", err)
		}
		args = []any{args[0], order}
	}
	return r.base.SetArguments(args...)
}

// Fixup trims whitespace from the order entries.
func (r *Reorder) Fixup(resp *protocol.Response) {
	r.base.Fixup(resp)
	for i, k := range resp.Order {
		resp.Order[i] = strings.TrimSpace(k)
	}
}

func (r *Reorder) apply(env *Env, resp *protocol.Response) error {
	addr := r.Target()
	n := env.lookup(addr)
	if n == nil {
		return r.notFound(addr)
	}
	arr, ok := n.(*tree.Array)
	if !ok {
		return &KindError{Address: addr, Have: n.Kind(), Want: "array"}
	}
	if resp.Order == nil {
		return r.malformed("missing order", nil)
	}
	if len(resp.Order) != arr.Len() {
		return r.malformed(fmt.Sprintf("order has %d entries for %d elements", len(resp.Order), arr.Len()), nil)
	}
	if err := arr.Reorder(resp.Order); err != nil {
		return r.malformed("order does not match the elements", err)
	}
	ev := r.event(events.Reorder, arr)
	ev.Order = append([]string(nil), resp.Order...)
	env.emit(ev)
	return nil
}

// Download asks the server to fetch url into target/name. The reply only
// acknowledges the job; the node arrives through Progress.
type Download struct {
	base
	accepted bool
}

func newDownload(c codec.Codec) Command {
	d := &Download{}
	d.base = newBase(protocol.VerbDownload, c, d, "target", "name", "url")
	return d
}

// Destination is the address the downloaded node will occupy.
func (d *Download) Destination() tree.Address {
	return d.Target().Child(d.stringArg("name"))
}

// Accepted reports whether the reply carried a job and was applied.
func (d *Download) Accepted() bool { return d.accepted }

// Job returns the server job id once processed.
func (d *Download) Job() string {
	if d.result == nil {
		return ""
	}
	return d.result.Job
}

func (d *Download) apply(env *Env, resp *protocol.Response) error {
	if resp.Job == "" {
		return d.malformed("missing job", nil)
	}
	if !tree.ValidName(d.stringArg("name")) {
		return fmt.Errorf("download: invalid name %q", d.stringArg("name"))
	}
	d.accepted = true
	return nil
}

// Progress polls a download job. A complete report attaches the node at
// target; a failed one raises an error event.
type Progress struct{ base }

func newProgress(c codec.Codec) Command {
	p := &Progress{}
	p.base = newBase(protocol.VerbProgress, c, p, "target", "job")
	return p
}

// Report returns the progress carried by the reply.
func (p *Progress) Report() *protocol.Progress {
	if p.result == nil {
		return nil
	}
	return p.result.Progress
}

func (p *Progress) apply(env *Env, resp *protocol.Response) error {
	if resp.Progress == nil {
		return p.malformed("missing progress", nil)
	}
	addr := p.Target()

	switch resp.Progress.State {
	case protocol.ProgressRunning:
		return nil
	case protocol.ProgressFailed:
		report := *resp.Progress
		env.emit(Event{Name: events.Error, Address: addr, Progress: &report, Command: p.id})
		return nil
	case protocol.ProgressComplete:
	default:
		return p.malformed(fmt.Sprintf("unknown progress state %q", resp.Progress.State), nil)
	}

	n, err := p.decodeNode(env, resp)
	if err != nil {
		return err
	}
	old := env.lookup(addr)
	if n == nil {
		if old == nil {
			return p.malformed("completed job carries no node", nil)
		}
		env.emit(p.event(events.Change, old))
		return nil
	}
	if old == nil {
		if err := env.place(addr, n); err != nil {
			return err
		}
		env.emit(p.event(events.Create, n))
		return nil
	}
	tree.Rename(n, old.Name())
	if err := env.replace(old, n); err != nil {
		return err
	}
	if cur := env.lookup(addr); cur != nil {
		env.emit(p.event(events.Change, cur))
	}
	return nil
}

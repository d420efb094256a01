package command

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

type recorder struct {
	events []Event
}

func (r *recorder) names() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func newTestEnv() (*Env, *recorder) {
	root := tree.NewRoot()
	bus := events.NewBus()
	rec := &recorder{}
	for _, name := range []string{events.Create, events.Change, events.Remove, events.Rename, events.Reorder, events.Error} {
		bus.On(name, func(args ...any) error {
			rec.events = append(rec.events, args[0].(Event))
			return nil
		})
	}
	return NewEnv(root, nil, bus), rec
}

func okReply(resp *protocol.Response) protocol.Reply {
	if resp == nil {
		resp = &protocol.Response{}
	}
	resp.Status = protocol.StatusOK
	return protocol.Single(resp)
}

func wire(t *testing.T, n tree.Node) json.RawMessage {
	t.Helper()
	data, err := codec.JSON{}.Encode(n)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func build(t *testing.T, verb string, args ...any) Command {
	t.Helper()
	cmd, err := NewRegistry(nil).Build(verb, args...)
	if err != nil {
		t.Fatalf("Build(%s): %v", verb, err)
	}
	return cmd
}

func process(t *testing.T, env *Env, cmd Command, reply protocol.Reply) {
	t.Helper()
	if err := cmd.Process(env, reply); err != nil {
		t.Fatalf("%s: unexpected error: %v", cmd.Verb(), err)
	}
	if err := env.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestBuildRequestKeysFollowArgSpec(t *testing.T) {
	reg := NewRegistry(nil)
	for _, v := range protocol.Verbs() {
		if v == protocol.VerbBatch {
			continue
		}
		cmd, err := reg.NewVerb(v)
		if err != nil {
			t.Fatalf("NewVerb(%s): %v", v, err)
		}
		spec := cmd.ArgSpec()
		if len(spec) == 0 || spec[0] != "target" {
			t.Errorf("%s: expected argspec to start with target, got %v", v, spec)
		}
		args := make([]any, len(spec))
		for i := range args {
			args[i] = "x"
		}
		if err := cmd.SetArguments(args...); err != nil {
			t.Fatalf("%s: SetArguments: %v", v, err)
		}
		req, err := cmd.BuildRequest()
		if err != nil {
			t.Fatalf("%s: BuildRequest: %v", v, err)
		}
		if req.Verb != v {
			t.Errorf("expected verb %s, got %s", v, req.Verb)
		}
		if diff := cmp.Diff(spec, req.Parameters.Keys()); diff != "" {
			t.Errorf("%s: parameter keys (-argspec +got):\n%s", v, diff)
		}
	}
}

func TestArgSpecs(t *testing.T) {
	want := map[string][]string{
		"fetch":    {"target"},
		"store":    {"target", "value"},
		"update":   {"target", "fields"},
		"create":   {"target", "name", "type", "value"},
		"insert":   {"target", "index", "name", "type", "value"},
		"remove":   {"target"},
		"rename":   {"target", "name"},
		"copy":     {"target", "destination"},
		"move":     {"target", "destination"},
		"download": {"target", "name", "url"},
		"progress": {"target", "job"},
		"reorder":  {"target", "order"},
	}
	reg := NewRegistry(nil)
	for verb, spec := range want {
		cmd, err := reg.New(verb)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(spec, cmd.ArgSpec()); diff != "" {
			t.Errorf("%s argspec (-want +got):\n%s", verb, diff)
		}
	}
}

func TestRegistryUnsupportedVerb(t *testing.T) {
	_, err := NewRegistry(nil).New("delete")
	var uve *UnsupportedVerbError
	if !errors.As(err, &uve) || uve.Verb != "delete" {
		t.Fatalf("expected UnsupportedVerbError, got %v", err)
	}
}

func TestArity(t *testing.T) {
	cmd, _ := NewRegistry(nil).New("create")
	err := cmd.SetArguments("/docs", "report", "file-text")
	var ae *ArityError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ArityError, got %v", err)
	}
	if ae.Want != 4 || ae.Got != 3 {
		t.Errorf("expected want 4 got 3, got want %d got %d", ae.Want, ae.Got)
	}
	if _, err := cmd.BuildRequest(); !errors.Is(err, ErrUnbound) {
		t.Errorf("expected ErrUnbound, got %v", err)
	}
}

func TestCreateScenario(t *testing.T) {
	env, rec := newTestEnv()
	env.Root.Set("docs", tree.NewHash("directory"))

	cmd := build(t, "create", "/docs", "report", "file-text", "")
	process(t, env, cmd, okReply(nil))

	n := tree.Lookup(env.Root, "/docs/report")
	s, ok := n.(*tree.Scalar)
	if !ok {
		t.Fatalf("expected scalar at /docs/report, got %T", n)
	}
	if s.Type() != "file-text" {
		t.Errorf("expected type file-text, got %s", s.Type())
	}
	if diff := cmp.Diff([]string{events.Create}, rec.names()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if rec.events[0].Address != "/docs/report" {
		t.Errorf("expected event address /docs/report, got %s", rec.events[0].Address)
	}
	if cmd.Result() == nil {
		t.Error("expected result to be stored")
	}
}

func TestCreateUsesResponseNodeAndType(t *testing.T) {
	env, _ := newTestEnv()
	node := tree.NewArray("data-array")
	node.Append("a", tree.NewScalar("data-scalar-txt", "A"))

	cmd := build(t, "create", "/", "items", "file-text", "")
	process(t, env, cmd, okReply(&protocol.Response{Node: wire(t, node)}))

	got := tree.Lookup(env.Root, "/items")
	if got == nil || got.Kind() != tree.KindArray || got.Type() != "data-array" {
		t.Fatalf("expected data-array at /items, got %v", got)
	}
	if tree.Lookup(env.Root, "/items/a") == nil {
		t.Error("expected /items/a to resolve by key")
	}
}

func TestInsertRenumbers(t *testing.T) {
	env, rec := newTestEnv()
	list := tree.NewArray("list")
	list.Append("a", tree.NewScalar("t", "A"))
	list.Append("b", tree.NewScalar("t", "B"))
	env.Root.Set("list", list)

	process(t, env, build(t, "insert", "/list", 1, "n", "t", "N"), okReply(nil))

	if diff := cmp.Diff([]string{"a", "n", "b"}, list.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if list.At(2).Address() != "/list/2" {
		t.Errorf("expected b renumbered to /list/2, got %s", list.At(2).Address())
	}
	if rec.events[0].Address != "/list/1" {
		t.Errorf("expected create at /list/1, got %s", rec.events[0].Address)
	}
}

func TestStoreAndUpdate(t *testing.T) {
	env, rec := newTestEnv()
	env.Root.Set("note", tree.NewScalar("data-scalar-txt", "old"))
	rec2 := tree.NewHash("record")
	rec2.Set("title", tree.NewScalar("data-scalar-txt", "t"))
	env.Root.Set("rec", rec2)

	process(t, env, build(t, "store", "/note", "new"), okReply(nil))
	note := tree.Lookup(env.Root, "/note").(*tree.Scalar)
	if note.Value() != "new" || note.Type() != "data-scalar-txt" {
		t.Errorf("expected new value with type kept, got %v %s", note.Value(), note.Type())
	}

	process(t, env, build(t, "update", "/rec", map[string]any{"title": "T", "pages": 3.0}), okReply(nil))
	if v := tree.Lookup(env.Root, "/rec/title").(*tree.Scalar).Value(); v != "T" {
		t.Errorf("expected title T, got %v", v)
	}
	if v := tree.Lookup(env.Root, "/rec/pages").(*tree.Scalar).Value(); v != 3.0 {
		t.Errorf("expected pages 3, got %v", v)
	}
	if diff := cmp.Diff([]string{events.Change, events.Change}, rec.names()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestStoreCreatesMissingNode(t *testing.T) {
	env, rec := newTestEnv()
	process(t, env, build(t, "store", "/a/b", "v"), okReply(&protocol.Response{Type: "data-scalar-txt"}))

	n := tree.Lookup(env.Root, "/a/b")
	if n == nil || n.Type() != "data-scalar-txt" {
		t.Fatalf("expected stored node at /a/b, got %v", n)
	}
	if diff := cmp.Diff([]string{events.Create}, rec.names()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestUpdateRequiresHash(t *testing.T) {
	env, _ := newTestEnv()
	env.Root.Set("s", tree.NewScalar("t", 1.0))
	err := build(t, "update", "/s", map[string]any{"a": 1.0}).Process(env, okReply(nil))
	var ke *KindError
	if !errors.As(err, &ke) {
		t.Fatalf("expected KindError, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	env, rec := newTestEnv()
	env.Root.Set("x", tree.NewScalar("file-text", "v"))

	process(t, env, build(t, "remove", "/x"), okReply(nil))
	if tree.Lookup(env.Root, "/x") != nil {
		t.Error("expected /x to be detached")
	}
	ev := rec.events[0]
	if ev.Name != events.Remove || ev.Meta.Type != "file-text" || ev.Meta.Value != "v" {
		t.Errorf("expected remove event with captured metadata, got %+v", ev)
	}
}

func TestRemoveMetadataSources(t *testing.T) {
	env, rec := newTestEnv()
	meta := &tree.Metadata{Name: "gone", Type: "file-text", Kind: tree.KindScalar}
	process(t, env, build(t, "remove", "/gone"), okReply(&protocol.Response{Meta: meta}))
	if rec.events[0].Address != "/gone" || rec.events[0].Meta.Type != "file-text" {
		t.Errorf("expected metadata from response, got %+v", rec.events[0])
	}

	err := build(t, "remove", "/other").Process(env, okReply(nil))
	var mre *MalformedResponseError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestRename(t *testing.T) {
	env, rec := newTestEnv()
	dir := tree.NewHash("directory")
	dir.Set("child", tree.NewScalar("t", 1.0))
	env.Root.Set("old", dir)

	process(t, env, build(t, "rename", "/old", "new"), okReply(nil))
	if tree.Lookup(env.Root, "/new/child") == nil {
		t.Fatal("expected subtree under /new")
	}
	ev := rec.events[0]
	if ev.Name != events.Rename || ev.Old == nil || ev.Old.Address != "/old" || ev.Address != "/new" {
		t.Errorf("expected rename event old=/old new=/new, got %+v", ev)
	}
}

func TestReorderScenario(t *testing.T) {
	env, rec := newTestEnv()
	list := tree.NewArray("list")
	for _, k := range []string{"a", "b", "c"} {
		list.Append(k, tree.NewScalar("t", k))
	}
	env.Root.Set("list", list)

	cmd := build(t, "reorder", "/list", []string{"b", "a", "c"})
	process(t, env, cmd, okReply(&protocol.Response{Order: []string{"b", "a", "c"}}))

	if diff := cmp.Diff([]string{"b", "a", "c"}, list.Keys()); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, rec.events[0].Order); diff != "" {
		t.Errorf("event order (-want +got):\n%s", diff)
	}
}

func TestReorderMalformed(t *testing.T) {
	list := tree.NewArray("list")
	list.Append("a", tree.NewScalar("t", "a"))
	list.Append("b", tree.NewScalar("t", "b"))

	for _, order := range [][]string{nil, {"a"}, {"a", "z"}, {"a", "a"}} {
		env, _ := newTestEnv()
		env.Root.Set("list", tree.Clone(list))
		err := build(t, "reorder", "/list", "a,b").Process(env, okReply(&protocol.Response{Order: order}))
		var mre *MalformedResponseError
		if !errors.As(err, &mre) {
			t.Errorf("order %v: expected MalformedResponseError, got %v", order, err)
		}
		if diff := cmp.Diff([]string{"a", "b"}, tree.Lookup(env.Root, "/list").(*tree.Array).Keys()); diff != "" {
			t.Errorf("order %v: tree changed (-want +got):\n%s", order, diff)
		}
	}
}

func TestMoveScenario(t *testing.T) {
	env, rec := newTestEnv()
	a := tree.NewHash("directory")
	a.Set("x", tree.NewScalar("file-text", "payload"))
	env.Root.Set("a", a)
	env.Root.Set("b", tree.NewHash("directory"))

	process(t, env, build(t, "move", "/a/x", "/b/x"), okReply(nil))

	if tree.Lookup(env.Root, "/a/x") != nil {
		t.Error("expected /a/x to be gone")
	}
	moved, ok := tree.Lookup(env.Root, "/b/x").(*tree.Scalar)
	if !ok || moved.Value() != "payload" {
		t.Fatalf("expected /b/x with original value, got %v", moved)
	}
	if diff := cmp.Diff([]string{events.Remove, events.Create}, rec.names()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if rec.events[0].Address != "/a/x" || rec.events[1].Address != "/b/x" {
		t.Errorf("unexpected event addresses %s, %s", rec.events[0].Address, rec.events[1].Address)
	}
}

func TestMoveIsAtomic(t *testing.T) {
	env, rec := newTestEnv()
	a := tree.NewHash("directory")
	a.Set("x", tree.NewScalar("file-text", "payload"))
	env.Root.Set("a", a)
	env.Root.Set("file", tree.NewScalar("file-text", ""))

	tests := []struct {
		name string
		dest string
		resp *protocol.Response
	}{
		{"scalar on destination path", "/file/x", nil},
		{"into own subtree", "/a/x/y", nil},
		{"undecodable node", "/b/x", &protocol.Response{Node: json.RawMessage(`{"!":1}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := build(t, "move", "/a/x", tt.dest).Process(env, okReply(tt.resp)); err == nil {
				t.Fatal("expected error")
			}
			if tree.Lookup(env.Root, "/a/x") == nil {
				t.Error("source must stay in place")
			}
		})
	}
	env.Flush()
	if len(rec.events) != 0 {
		t.Errorf("expected no events, got %v", rec.names())
	}

	t.Run("into sibling element", func(t *testing.T) {
		env, rec := newTestEnv()
		list := tree.NewArray("list")
		list.Append("x", tree.NewScalar("file-text", "payload"))
		list.Append("box", tree.NewHash("directory"))
		env.Root.Set("l", list)

		process(t, env, build(t, "move", "/l/0", "/l/1/z"), okReply(nil))

		if list.Len() != 1 {
			t.Fatalf("expected one element left, got %d", list.Len())
		}
		box, ok := list.At(0).(*tree.Hash)
		if !ok || box.Name() != "box" {
			t.Fatalf("expected box at /l/0, got %v", list.At(0))
		}
		z, ok := tree.Lookup(env.Root, "/l/0/z").(*tree.Scalar)
		if !ok || z.Value() != "payload" {
			t.Errorf("expected moved node at /l/0/z, got %v", tree.Lookup(env.Root, "/l/0/z"))
		}
		if diff := cmp.Diff([]string{events.Remove, events.Create}, rec.names()); diff != "" {
			t.Errorf("events (-want +got):\n%s", diff)
		}
		if rec.events[1].Address != "/l/0/z" {
			t.Errorf("expected create at /l/0/z, got %s", rec.events[1].Address)
		}
	})
}

func TestCreateNumericNameInArray(t *testing.T) {
	env, rec := newTestEnv()
	list := tree.NewArray("list")
	list.Append("a", tree.NewScalar("t", "A"))
	list.Append("b", tree.NewScalar("t", "B"))
	env.Root.Set("list", list)

	process(t, env, build(t, "create", "/list", "0", "t", "Z"), okReply(nil))
	if rec.events[0].Address != "/list/2" {
		t.Errorf("expected create at /list/2, got %s", rec.events[0].Address)
	}
	if v := tree.Lookup(env.Root, "/list/0").(*tree.Scalar).Value(); v != "A" {
		t.Errorf("expected /list/0 to stay A, got %v", v)
	}

	process(t, env, build(t, "remove", "/list/0"), okReply(nil))
	if diff := cmp.Diff([]string{"b", "1"}, list.Keys()); diff != "" {
		t.Errorf("expected A removed (-want +got):\n%s", diff)
	}
	if v := tree.Lookup(env.Root, "/list/1").(*tree.Scalar).Value(); v != "Z" {
		t.Errorf("expected Z at /list/1, got %v", v)
	}
}

func TestCopy(t *testing.T) {
	env, rec := newTestEnv()
	src := tree.NewHash("directory")
	src.Set("f", tree.NewScalar("file-text", "v"))
	env.Root.Set("src", src)

	process(t, env, build(t, "copy", "/src", "/dst"), okReply(nil))
	if !tree.Equal(tree.Lookup(env.Root, "/src").(*tree.Hash).Get("f"), tree.Lookup(env.Root, "/dst/f")) {
		t.Error("expected copied subtree")
	}
	if tree.Lookup(env.Root, "/dst") == tree.Lookup(env.Root, "/src") {
		t.Error("copy must not share the node")
	}
	if rec.events[0].Name != events.Create || rec.events[0].Address != "/dst" {
		t.Errorf("expected create at /dst, got %+v", rec.events[0])
	}
}

func TestFetchIdempotent(t *testing.T) {
	env, rec := newTestEnv()
	remote := tree.NewHash("directory")
	remote.Set("a", tree.NewScalar("file-text", "A"))
	list := tree.NewArray("list")
	list.Append("k", tree.NewScalar("t", 1.0))
	remote.Set("list", list)
	env.Root.Set("sibling", tree.NewScalar("t", "keep"))

	process(t, env, build(t, "fetch", "/docs"), okReply(&protocol.Response{Node: wire(t, remote)}))
	before := tree.Clone(env.Root)
	if diff := cmp.Diff([]string{events.Create}, rec.names()); diff != "" {
		t.Fatalf("first fetch events (-want +got):\n%s", diff)
	}

	process(t, env, build(t, "fetch", "/docs"), okReply(&protocol.Response{Node: wire(t, remote)}))
	if !tree.Equal(before, env.Root) {
		t.Error("re-fetch of an unchanged node altered the tree")
	}
	if len(rec.events) != 1 {
		t.Errorf("expected no event for unchanged fetch, got %v", rec.names())
	}

	remote.Set("a", tree.NewScalar("file-text", "B"))
	process(t, env, build(t, "fetch", "/docs"), okReply(&protocol.Response{Node: wire(t, remote)}))
	if rec.names()[1] != events.Change {
		t.Errorf("expected change after remote edit, got %v", rec.names())
	}
	if v := tree.Lookup(env.Root, "/sibling").(*tree.Scalar).Value(); v != "keep" {
		t.Errorf("sibling altered: %v", v)
	}
}

func TestFetchCreatesAncestors(t *testing.T) {
	env, _ := newTestEnv()
	process(t, env, build(t, "fetch", "/a/b/c"), okReply(&protocol.Response{Node: wire(t, tree.NewScalar("t", "v"))}))
	if tree.Lookup(env.Root, "/a/b").Kind() != tree.KindHash {
		t.Error("expected hash placeholder at /a/b")
	}
	if tree.Lookup(env.Root, "/a/b/c") == nil {
		t.Error("expected fetched node at /a/b/c")
	}
}

func TestFetchUnknownTag(t *testing.T) {
	env, _ := newTestEnv()
	err := build(t, "fetch", "/x").Process(env, okReply(&protocol.Response{Node: json.RawMessage(`{"&":1}`)}))
	var ute *codec.UnknownTagError
	if !errors.As(err, &ute) {
		t.Fatalf("expected UnknownTagError, got %v", err)
	}
}

func TestRemoteErrorLeavesTree(t *testing.T) {
	env, rec := newTestEnv()
	env.Root.Set("x", tree.NewScalar("t", "v"))

	err := build(t, "remove", "/x").Process(env, protocol.Single(protocol.ErrorResponse("denied")))
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "denied" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	env.Flush()
	if tree.Lookup(env.Root, "/x") == nil || len(rec.events) != 0 {
		t.Error("remote error must not mutate the tree")
	}
}

func TestProcessIsSingleUse(t *testing.T) {
	env, _ := newTestEnv()
	env.Root.Set("x", tree.NewScalar("t", "v"))
	cmd := build(t, "fetch", "/x")
	reply := okReply(&protocol.Response{Node: wire(t, tree.NewScalar("t", "w"))})
	if err := cmd.Process(env, reply); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Process(env, reply); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestDownloadAndProgress(t *testing.T) {
	env, rec := newTestEnv()
	env.Root.Set("inbox", tree.NewHash("directory"))

	dl := build(t, "download", "/inbox", "file.bin", "https://example.com/file.bin").(*Download)
	process(t, env, dl, okReply(&protocol.Response{Job: "job-1"}))
	if dl.Job() != "job-1" || dl.Destination() != "/inbox/file.bin" {
		t.Fatalf("unexpected job %q destination %s", dl.Job(), dl.Destination())
	}
	if len(rec.events) != 0 || tree.Lookup(env.Root, "/inbox/file.bin") != nil {
		t.Fatal("download acknowledgement must not touch the tree")
	}

	running := build(t, "progress", "/inbox/file.bin", "job-1")
	process(t, env, running, okReply(&protocol.Response{Progress: &protocol.Progress{State: protocol.ProgressRunning, Done: 1, Total: 2}}))
	if len(rec.events) != 0 {
		t.Fatalf("running progress must not emit, got %v", rec.names())
	}

	done := build(t, "progress", "/inbox/file.bin", "job-1").(*Progress)
	process(t, env, done, okReply(&protocol.Response{
		Progress: &protocol.Progress{State: protocol.ProgressComplete},
		Node:     wire(t, tree.NewScalar("file-binary", "bytes")),
	}))
	if done.Report().State != protocol.ProgressComplete {
		t.Errorf("expected complete report")
	}
	if diff := cmp.Diff([]string{events.Create}, rec.names()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if tree.Lookup(env.Root, "/inbox/file.bin") == nil {
		t.Error("expected downloaded node")
	}
}

func TestProgressFailedEmitsError(t *testing.T) {
	env, rec := newTestEnv()
	report := &protocol.Progress{State: protocol.ProgressFailed, Message: "404"}
	process(t, env, build(t, "progress", "/f", "j"), okReply(&protocol.Response{Progress: report}))
	if diff := cmp.Diff([]string{events.Error}, rec.names()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if rec.events[0].Progress.Message != "404" {
		t.Errorf("expected last progress payload, got %+v", rec.events[0].Progress)
	}
}

func TestDownloadRequiresJob(t *testing.T) {
	env, _ := newTestEnv()
	err := build(t, "download", "/", "f", "u").Process(env, okReply(nil))
	var mre *MalformedResponseError
	if !errors.As(err, &mre) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestNodeArgumentsAreEncoded(t *testing.T) {
	n := tree.NewScalar("file-text", "hello")
	cmd := build(t, "store", "/x", n)
	v, _ := cmd.Parameters().Get("value")
	raw, ok := v.(json.RawMessage)
	if !ok || !codec.IsWire(raw) {
		t.Fatalf("expected wire-encoded value, got %T %v", v, v)
	}

	env, _ := newTestEnv()
	process(t, env, cmd, okReply(nil))
	if got := tree.Lookup(env.Root, "/x"); !tree.Equal(got, func() tree.Node { c := tree.Clone(n); tree.Rename(c, "x"); return c }()) {
		t.Errorf("expected stored node to equal argument, got %v", got)
	}
}

func TestFlushCollectsListenerFailures(t *testing.T) {
	bus := events.NewBus()
	boom := errors.New("boom")
	bus.On(events.Create, func(args ...any) error { return boom })
	env := NewEnv(tree.NewRoot(), nil, bus)

	cmd := build(t, "create", "/", "a", "t", "")
	if err := cmd.Process(env, okReply(nil)); err != nil {
		t.Fatal(err)
	}
	err := env.Flush()
	if !errors.Is(err, boom) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if len(env.Pending()) != 0 {
		t.Error("expected queue to be drained")
	}
}

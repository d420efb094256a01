package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/hubb/pkg/hub"
	"github.com/fruitsalade/hubb/pkg/tree"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"hello", "hello"},
		{"3", float64(3)},
		{`["b","a"]`, []any{"b", "a"}},
		{`{"title":"x"}`, map[string]any{"title": "x"}},
		{"/docs/a", "/docs/a"},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, parseArg(tt.in)); diff != "" {
			t.Errorf("parseArg(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func runDemo(t *testing.T, argv ...string) string {
	t.Helper()
	opts, err := docopt.ParseArgs(usage, append(argv, "--demo"), version)
	if err != nil {
		t.Fatal(err)
	}
	c := hub.New(demoRemote())
	defer c.Close()

	var buf bytes.Buffer
	out := newPrinter(&buf, true)
	out.subscribe(c.Bus())
	if err := run(context.Background(), opts, c, out); err != nil {
		t.Fatalf("%v: %v", argv, err)
	}
	return buf.String()
}

func TestRunFetch(t *testing.T) {
	got := runDemo(t, "fetch", "/docs")
	for _, want := range []string{"create  /docs", "readme <file-text> = welcome to hubb", "notes <directory>"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestRunExecReorder(t *testing.T) {
	opts, err := docopt.ParseArgs(usage, []string{"fetch", "/media/playlist", "--demo"}, version)
	if err != nil {
		t.Fatal(err)
	}
	c := hub.New(demoRemote())
	defer c.Close()
	var buf bytes.Buffer
	out := newPrinter(&buf, true)
	out.subscribe(c.Bus())
	ctx := context.Background()
	if err := run(ctx, opts, c, out); err != nil {
		t.Fatal(err)
	}

	opts, err = docopt.ParseArgs(usage, []string{"exec", "reorder", "/media/playlist", `["outro","intro","theme"]`}, version)
	if err != nil {
		t.Fatal(err)
	}
	if err := run(ctx, opts, c, out); err != nil {
		t.Fatal(err)
	}
	keys := c.Lookup("/media/playlist").(*tree.Array).Keys()
	if diff := cmp.Diff([]string{"outro", "intro", "theme"}, keys); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if !strings.Contains(buf.String(), "reorder /media/playlist [outro intro theme]") {
		t.Errorf("expected reorder line, got:\n%s", buf.String())
	}
}

func TestRunDownload(t *testing.T) {
	opts, err := docopt.ParseArgs(usage, []string{"download", "/docs", "song.ogg", "https://example.com/song.ogg"}, version)
	if err != nil {
		t.Fatal(err)
	}
	c := hub.New(demoRemote(), hub.WithPollInterval(time.Millisecond))
	defer c.Close()
	var buf bytes.Buffer
	out := newPrinter(&buf, true)
	out.subscribe(c.Bus())

	if err := run(context.Background(), opts, c, out); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if !strings.Contains(got, "create  /docs/song.ogg") || !strings.Contains(got, "/docs/song.ogg complete") {
		t.Errorf("unexpected output:\n%s", got)
	}
}

func TestPrinterTree(t *testing.T) {
	root := tree.NewRoot()
	dir := tree.NewHash("directory")
	root.Set("docs", dir)
	dir.Set("a", tree.NewScalar("file-text", "x"))

	var buf bytes.Buffer
	newPrinter(&buf, true).tree(root)
	want := "/ <directory>\n  docs <directory>\n    a <file-text> = x\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("tree (-want +got):\n%s", diff)
	}
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/fruitsalade/hubb/pkg/command"
	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/tree"
)

// printer writes events and trees to out, coloured when out is a terminal.
type printer struct {
	out    io.Writer
	styles map[string]func(format string, a ...any) string
	dim    func(format string, a ...any) string
}

func newPrinter(out io.Writer, noColor bool) *printer {
	if f, ok := out.(*os.File); !ok || noColor || !isatty.IsTerminal(f.Fd()) {
		color.NoColor = true
	}
	return &printer{
		out: out,
		styles: map[string]func(string, ...any) string{
			events.Create:  color.GreenString,
			events.Change:  color.YellowString,
			events.Remove:  color.RedString,
			events.Rename:  color.CyanString,
			events.Reorder: color.BlueString,
			events.Error:   color.New(color.FgRed, color.Bold).SprintfFunc(),
		},
		dim: color.New(color.Faint).SprintfFunc(),
	}
}

// subscribe prints every mutation event dispatched on bus.
func (p *printer) subscribe(bus *events.Bus) {
	for name := range p.styles {
		bus.On(name, func(args ...any) error {
			if ev, ok := args[0].(command.Event); ok {
				p.event(ev)
			}
			return nil
		})
	}
}

func (p *printer) event(ev command.Event) {
	style := p.styles[ev.Name]
	line := style("%-7s", ev.Name) + " " + ev.Address.String()
	switch ev.Name {
	case events.Rename:
		if ev.Old != nil {
			line += p.dim(" (was %s)", ev.Old.Address)
		}
	case events.Reorder:
		line += p.dim(" [%s]", strings.Join(ev.Order, " "))
	case events.Error:
		if ev.Progress != nil {
			line += " " + ev.Progress.Message
		}
	default:
		if ev.Meta.Type != "" {
			line += p.dim(" (%s)", ev.Meta.Type)
		}
	}
	fmt.Fprintln(p.out, line)
}

// tree prints n and its descendants, one per line.
func (p *printer) tree(n tree.Node) {
	p.node(n, 0)
}

func (p *printer) node(n tree.Node, depth int) {
	name := n.Name()
	if tree.IsRoot(n) {
		name = "/"
	}
	line := strings.Repeat("  ", depth) + name
	if n.Type() != "" {
		line += p.dim(" <%s>", n.Type())
	}
	if s, ok := n.(*tree.Scalar); ok {
		line += fmt.Sprintf(" = %v", s.Value())
	}
	fmt.Fprintln(p.out, line)
	for _, child := range tree.Children(n) {
		p.node(child, depth+1)
	}
}

// Package hub provides the client façade over the remote store: it owns the
// local mirror tree and the event bus, submits commands through a transport
// and applies their replies.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/hubb/internal/logging"
	"github.com/fruitsalade/hubb/internal/metrics"
	"github.com/fruitsalade/hubb/pkg/client"
	"github.com/fruitsalade/hubb/pkg/codec"
	"github.com/fruitsalade/hubb/pkg/command"
	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

// ErrClosed is returned for commands submitted after Close.
var ErrClosed = errors.New("hub: client closed")

// DefaultPollInterval is the delay between progress polls of a download.
const DefaultPollInterval = time.Second

// Option configures a Client.
type Option func(*Client)

// WithCodec sets the wire codec. The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithBus sets the event bus, letting several components share one.
func WithBus(b *events.Bus) Option {
	return func(cl *Client) { cl.bus = b }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// WithPollInterval sets the delay between download progress polls.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.pollInterval = d }
}

// Client is the façade over the remote store. Construct one per remote and
// pass it to every consumer.
type Client struct {
	transport    client.Transport
	codec        codec.Codec
	bus          *events.Bus
	reg          *command.Registry
	log          *zap.Logger
	pollInterval time.Duration

	// apply serializes reply processing and every read of the tree.
	apply sync.Mutex
	root  *tree.Hash

	mu        sync.Mutex
	closed    bool
	downloads map[tree.Address]*Tracker
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a client submitting through t.
func New(t client.Transport, opts ...Option) *Client {
	c := &Client{
		transport:    t,
		codec:        codec.JSON{},
		log:          zap.NewNop(),
		pollInterval: DefaultPollInterval,
		root:         tree.NewRoot(),
		downloads:    make(map[tree.Address]*Tracker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = events.NewBus()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	c.reg = command.NewRegistry(c.codec)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Bus returns the event bus mutations are dispatched on.
func (c *Client) Bus() *events.Bus { return c.bus }

// Registry returns the command registry used by Execute.
func (c *Client) Registry() *command.Registry { return c.reg }

// Root returns the root of the local mirror. Callers running concurrently
// with commands should use View or Snapshot instead.
func (c *Client) Root() *tree.Hash { return c.root }

// View runs fn with the tree locked against mutation. fn must not submit
// commands.
func (c *Client) View(fn func(root *tree.Hash)) {
	c.apply.Lock()
	defer c.apply.Unlock()
	fn(c.root)
}

// Snapshot returns a deep copy of the node at addr, or nil.
func (c *Client) Snapshot(addr tree.Address) tree.Node {
	c.apply.Lock()
	defer c.apply.Unlock()
	n := tree.Lookup(c.root, addr)
	if n == nil {
		return nil
	}
	return tree.Clone(n)
}

// Lookup resolves addr in the local mirror.
func (c *Client) Lookup(addr tree.Address) tree.Node {
	c.apply.Lock()
	defer c.apply.Unlock()
	return tree.Lookup(c.root, addr)
}

// NewBatch returns an empty batch to fill with AddCommand and pass to
// Submit.
func (c *Client) NewBatch() *command.Batch {
	return c.reg.NewBatch()
}

// Execute builds the command for verb, submits it and applies the reply.
// The command is returned even when it failed so the caller can inspect its
// result. A successful download starts polling its progress until the job
// finishes, Close is called or ctx is done.
func (c *Client) Execute(ctx context.Context, verb, target string, args ...any) (command.Command, error) {
	cmd, err := c.reg.Build(verb, append([]any{target}, args...)...)
	if err != nil {
		return nil, err
	}
	if err := c.Submit(ctx, cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// Submit sends a bound command and applies the reply. Transport failures
// leave the tree untouched and the command unprocessed. Listener failures
// are returned after the tree has been updated. Every accepted download,
// batch children included, is tracked until its job finishes.
func (c *Client) Submit(ctx context.Context, cmd command.Command) error {
	if c.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	err := c.roundTrip(ctx, cmd)
	elapsed := time.Since(start)
	for _, dl := range acceptedDownloads(cmd) {
		c.track(ctx, dl)
	}
	metrics.RecordCommand(cmd.Verb().String(), elapsed, err == nil)

	fields := []zap.Field{
		zap.String("id", cmd.ID()),
		logging.Verb(cmd.Verb().String()),
		logging.Address(cmd.Target().String()),
		logging.Duration("duration", elapsed),
	}
	if err != nil {
		c.log.Warn("command failed", append(fields, logging.Err(err))...)
		return err
	}
	c.log.Debug("command applied", fields...)
	return nil
}

func (c *Client) roundTrip(ctx context.Context, cmd command.Command) error {
	req, err := cmd.BuildRequest()
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", cmd.Verb(), err)
	}
	if b, ok := cmd.(*command.Batch); ok {
		metrics.RecordBatchSize(b.Len())
	}

	targets := pendingTargets(cmd)
	c.markPending(targets, cmd.Verb().String())
	raw, err := c.transport.Submit(ctx, cmd.Target().String(), body)
	if err != nil {
		c.clearPending(targets)
		return fmt.Errorf("%s %s: %w", cmd.Verb(), cmd.Target(), err)
	}
	reply, err := protocol.DecodeReply(raw)
	if err != nil {
		c.clearPending(targets)
		return &command.MalformedResponseError{Verb: cmd.Verb(), Address: cmd.Target(), Reason: "undecodable reply", Err: err}
	}

	env := command.NewEnv(c.root, c.codec, c.bus)
	c.apply.Lock()
	perr := cmd.Process(env, reply)
	c.clearPendingLocked(targets)
	metrics.SetTreeNodes(tree.CountNodes(c.root))
	c.apply.Unlock()

	// Listeners run without the lock so they may submit commands.
	ferr := env.Flush()
	if perr != nil {
		if ferr != nil {
			c.log.Warn("event listeners failed", zap.String("id", cmd.ID()), logging.Err(ferr))
		}
		return perr
	}
	return ferr
}

func acceptedDownloads(cmd command.Command) []*command.Download {
	cmds := []command.Command{cmd}
	if b, ok := cmd.(*command.Batch); ok {
		cmds = b.Children()
	}
	var out []*command.Download
	for _, child := range cmds {
		if dl, ok := child.(*command.Download); ok && dl.Accepted() {
			out = append(out, dl)
		}
	}
	return out
}

func pendingTargets(cmd command.Command) []tree.Address {
	if b, ok := cmd.(*command.Batch); ok {
		var out []tree.Address
		for _, child := range b.Children() {
			out = append(out, child.Target())
		}
		return out
	}
	return []tree.Address{cmd.Target()}
}

func (c *Client) markPending(targets []tree.Address, op string) {
	c.apply.Lock()
	defer c.apply.Unlock()
	for _, addr := range targets {
		if n := tree.Lookup(c.root, addr); n != nil {
			n.MarkPending(op)
		}
	}
}

func (c *Client) clearPending(targets []tree.Address) {
	c.apply.Lock()
	defer c.apply.Unlock()
	c.clearPendingLocked(targets)
}

func (c *Client) clearPendingLocked(targets []tree.Address) {
	for _, addr := range targets {
		if n := tree.Lookup(c.root, addr); n != nil {
			n.ClearPending()
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops every download poller and rejects further commands.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.Debug("hub client closed")
	return nil
}

// Future is the handle of a command running in the background.
type Future struct {
	done chan struct{}
	cmd  command.Command
	err  error
}

// Go runs Execute in a new goroutine. Several commands may be outstanding
// at once; their replies are applied in arrival order. Events are
// dispatched after the apply lock is released, so listeners may see the
// events of concurrent commands in a different order than the mutations
// were applied. Each command's own events keep their order. Listeners that
// need the applied order should read the tree with View or Snapshot.
func (c *Client) Go(ctx context.Context, verb, target string, args ...any) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.cmd, f.err = c.Execute(ctx, verb, target, args...)
	}()
	return f
}

// Done is closed once the command finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the command finished or ctx is done.
func (f *Future) Wait(ctx context.Context) (command.Command, error) {
	select {
	case <-f.done:
		return f.cmd, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

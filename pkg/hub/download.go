package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/hubb/internal/logging"
	"github.com/fruitsalade/hubb/internal/metrics"
	"github.com/fruitsalade/hubb/pkg/command"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

// State is the lifecycle position of a download.
type State int

const (
	Requested State = iota
	InProgress
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxPollErrors is the number of consecutive failed polls after which a
// download is abandoned.
const maxPollErrors = 5

// DownloadError is reported by a tracker whose job failed on the server.
type DownloadError struct {
	Address  tree.Address
	Job      string
	Progress protocol.Progress
}

func (e *DownloadError) Error() string {
	if e.Progress.Message == "" {
		return fmt.Sprintf("download %s (job %s) failed", e.Address, e.Job)
	}
	return fmt.Sprintf("download %s (job %s) failed: %s", e.Address, e.Job, e.Progress.Message)
}

// Tracker follows one download job. Its state only advances on progress
// replies.
type Tracker struct {
	Address tree.Address
	Job     string
	Started time.Time

	mu    sync.Mutex
	state State
	last  *protocol.Progress
	err   error
	done  chan struct{}
}

func newTracker(addr tree.Address, job string) *Tracker {
	return &Tracker{
		Address: addr,
		Job:     job,
		Started: time.Now(),
		state:   Requested,
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the last progress report, or nil before the first poll.
func (t *Tracker) Progress() *protocol.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	p := *t.last
	return &p
}

// Err returns why polling stopped, or nil while running and on completion.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when polling has stopped.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Wait blocks until polling stops or ctx is done. It returns nil when the
// download completed.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) update(p *protocol.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = p
	t.state = InProgress
}

func (t *Tracker) finish(state State, p *protocol.Progress, err error) {
	t.mu.Lock()
	if p != nil {
		t.last = p
	}
	t.state = state
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

func (t *Tracker) stop(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Download returns the latest tracker for addr, or nil.
func (c *Client) Download(addr tree.Address) *Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads[addr]
}

// Downloads returns every known tracker ordered by address.
func (c *Client) Downloads() []*Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Tracker, 0, len(c.downloads))
	for _, t := range c.downloads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (c *Client) track(ctx context.Context, dl *command.Download) *Tracker {
	t := newTracker(dl.Destination(), dl.Job())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.stop(ErrClosed)
		return t
	}
	c.downloads[t.Address] = t
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)

	metrics.AddDownloadsActive(1)
	c.log.Info("download requested",
		logging.Address(t.Address.String()),
		logging.Job(t.Job))

	go func() {
		defer c.wg.Done()
		defer metrics.AddDownloadsActive(-1)
		defer cancel()
		defer stop()
		c.poll(ctx, t)
	}()
	return t
}

// poll issues one progress command per tick. Each poll is submitted
// synchronously, so a job never has more than one outstanding poll.
func (c *Client) poll(ctx context.Context, t *Tracker) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			t.stop(c.stopReason(ctx))
			return
		case <-ticker.C:
		}

		cmd, err := c.reg.Build("progress", t.Address.String(), t.Job)
		if err != nil {
			t.finish(Failed, nil, err)
			return
		}
		err = c.Submit(ctx, cmd)
		report := cmd.(*command.Progress).Report()

		// Listener failures do not undo an applied report.
		var listeners *command.MultipleErrors
		if errors.As(err, &listeners) {
			err = nil
		}
		if err != nil || report == nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				t.stop(c.stopReason(ctx))
				return
			}
			failures++
			metrics.RecordDownloadPoll("error")
			if failures >= maxPollErrors {
				c.log.Warn("download abandoned",
					logging.Address(t.Address.String()),
					logging.Job(t.Job),
					logging.Err(err))
				t.finish(Failed, report, fmt.Errorf("download %s: %w", t.Address, err))
				return
			}
			continue
		}
		failures = 0
		metrics.RecordDownloadPoll(report.State)

		switch report.State {
		case protocol.ProgressRunning:
			t.update(report)
		case protocol.ProgressComplete:
			c.log.Info("download complete",
				logging.Address(t.Address.String()),
				logging.Job(t.Job),
				logging.Duration("elapsed", time.Since(t.Started)))
			t.finish(Complete, report, nil)
			return
		case protocol.ProgressFailed:
			c.log.Warn("download failed",
				logging.Address(t.Address.String()),
				logging.Job(t.Job),
				zap.String("message", report.Message))
			t.finish(Failed, report, &DownloadError{Address: t.Address, Job: t.Job, Progress: *report})
			return
		}
	}
}

func (c *Client) stopReason(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return ctx.Err()
}

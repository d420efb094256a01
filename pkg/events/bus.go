// Package events provides the named-event publish/subscribe bus used to
// propagate local tree mutations to observers.
package events

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/multierr"

	"github.com/fruitsalade/hubb/internal/metrics"
)

// Event names emitted by the hub client.
const (
	Create  = "create"
	Change  = "change"
	Remove  = "remove"
	Rename  = "rename"
	Reorder = "reorder"
	Error   = "error"
)

// Callback receives the dispatch payload followed by the extra arguments bound
// at subscription time.
type Callback func(args ...any) error

// Handle identifies a subscription for Off.
type Handle struct {
	name string
	id   uint64
}

// Name returns the event name the handle is subscribed to.
func (h Handle) Name() string { return h.name }

type subscription struct {
	id    uint64
	cb    Callback
	extra []any
	once  bool
}

// Bus dispatches named events to callbacks in registration order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscription
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// On registers cb for the named event. extra is appended to every payload
// delivered to cb.
func (b *Bus) On(name string, cb Callback, extra ...any) Handle {
	return b.add(name, cb, extra, false)
}

// Once registers cb to run for the next dispatch of name only.
func (b *Bus) Once(name string, cb Callback, extra ...any) Handle {
	return b.add(name, cb, extra, true)
}

func (b *Bus) add(name string, cb Callback, extra []any, once bool) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, cb: cb, extra: extra, once: once}
	// Copy on write: a dispatch in progress keeps iterating its own snapshot.
	list := b.subs[name]
	next := make([]*subscription, len(list), len(list)+1)
	copy(next, list)
	b.subs[name] = append(next, sub)
	return Handle{name: name, id: sub.id}
}

// Off removes a subscription. Removing an unknown or already removed handle
// is a no-op.
func (b *Bus) Off(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(h.name, h.id)
}

func (b *Bus) removeLocked(name string, id uint64) {
	list := b.subs[name]
	for i, sub := range list {
		if sub.id != id {
			continue
		}
		next := make([]*subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = next
		}
		return
	}
}

// Count returns the number of subscriptions for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Dispatch invokes every callback registered for name at the time of the
// call. A failing callback never prevents the remaining ones from running;
// once all have been attempted a *MultipleErrors carrying every failure in
// registration order is returned.
func (b *Bus) Dispatch(name string, payload ...any) error {
	b.mu.Lock()
	snapshot := b.subs[name]
	for _, sub := range snapshot {
		if sub.once {
			b.removeLocked(name, sub.id)
		}
	}
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	var failures error
	for _, sub := range snapshot {
		args := make([]any, 0, len(payload)+len(sub.extra))
		args = append(args, payload...)
		args = append(args, sub.extra...)
		failures = multierr.Append(failures, invoke(sub.cb, args))
	}

	metrics.RecordEventDispatch(name, len(multierr.Errors(failures)))
	return Aggregate(failures)
}

func invoke(cb Callback, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return cb(args...)
}

// PanicError is collected in place of a callback that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("listener panic: %v", e.Value)
}

// MultipleErrors aggregates the failures collected during one pass over
// independent items, preserving each original error.
type MultipleErrors struct {
	Errors []error
}

func (e *MultipleErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), multierr.Combine(e.Errors...))
}

// Aggregate turns an error built with multierr.Append into a
// *MultipleErrors, or returns nil when nothing was collected.
func Aggregate(err error) error {
	if err == nil {
		return nil
	}
	return &MultipleErrors{Errors: multierr.Errors(err)}
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *MultipleErrors) Unwrap() []error {
	return e.Errors
}

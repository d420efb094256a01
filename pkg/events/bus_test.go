package events

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
)

func TestBusDispatchOrder(t *testing.T) {
	b := NewBus()
	var got []string

	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.On(Create, func(args ...any) error {
			got = append(got, name)
			return nil
		})
	}

	if err := b.Dispatch(Create); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
}

func TestBusPayloadAndExtraArgs(t *testing.T) {
	b := NewBus()
	var got []any
	b.On(Change, func(args ...any) error {
		got = args
		return nil
	}, "extra", 7)

	if err := b.Dispatch(Change, "/docs", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{"/docs", 1, "extra", 7}, got); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestBusNoSubscribers(t *testing.T) {
	b := NewBus()
	if err := b.Dispatch("nothing", 1, 2); err != nil {
		t.Errorf("expected nil error with no subscribers, got %v", err)
	}
}

func TestBusAggregatesFailures(t *testing.T) {
	b := NewBus()
	errB := errors.New("b failed")
	errD := errors.New("d failed")
	calls := make([]int, 5)

	results := []error{nil, errB, nil, errD, nil}
	for i := range results {
		i := i
		b.On(Remove, func(args ...any) error {
			calls[i]++
			return results[i]
		})
	}

	err := b.Dispatch(Remove)
	if err == nil {
		t.Fatal("expected aggregate error, got nil")
	}

	for i, n := range calls {
		if n != 1 {
			t.Errorf("subscriber %d called %d times, want 1", i, n)
		}
	}

	var me *MultipleErrors
	if !errors.As(err, &me) {
		t.Fatalf("expected *MultipleErrors, got %T", err)
	}
	if len(me.Errors) != 2 || me.Errors[0] != errB || me.Errors[1] != errD {
		t.Errorf("unexpected collected errors: %v", me.Errors)
	}
	if !errors.Is(err, errD) {
		t.Error("errors.Is should find an individual failure")
	}
}

func TestAggregate(t *testing.T) {
	if Aggregate(nil) != nil {
		t.Error("expected nil for nothing collected")
	}
	first := errors.New("first")
	second := errors.New("second")
	var collected error
	for _, err := range []error{nil, first, nil, second} {
		collected = multierr.Append(collected, err)
	}

	var me *MultipleErrors
	if !errors.As(Aggregate(collected), &me) {
		t.Fatal("expected *MultipleErrors")
	}
	if len(me.Errors) != 2 || me.Errors[0] != first || me.Errors[1] != second {
		t.Errorf("expected [first second], got %v", me.Errors)
	}
	if got := Aggregate(first).Error(); got != "first" {
		t.Errorf("expected single error text, got %q", got)
	}
}

func TestBusRecoversPanics(t *testing.T) {
	b := NewBus()
	var after bool
	b.On(Rename, func(args ...any) error { panic("boom") })
	b.On(Rename, func(args ...any) error {
		after = true
		return nil
	})

	err := b.Dispatch(Rename)
	if !after {
		t.Error("subscriber after a panicking one was not invoked")
	}
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PanicError inside aggregate, got %v", err)
	}
	if pe.Value != "boom" {
		t.Errorf("expected panic value boom, got %v", pe.Value)
	}
}

func TestBusOffDuringDispatch(t *testing.T) {
	b := NewBus()
	var calls []string
	var second Handle

	b.On(Reorder, func(args ...any) error {
		calls = append(calls, "first")
		b.Off(second)
		return nil
	})
	second = b.On(Reorder, func(args ...any) error {
		calls = append(calls, "second")
		return nil
	})

	b.Dispatch(Reorder)
	if diff := cmp.Diff([]string{"first", "second"}, calls); diff != "" {
		t.Errorf("current pass should be unaffected by Off (-want +got):\n%s", diff)
	}

	calls = nil
	b.Dispatch(Reorder)
	if diff := cmp.Diff([]string{"first"}, calls); diff != "" {
		t.Errorf("future pass should skip removed subscriber (-want +got):\n%s", diff)
	}
}

func TestBusOnDuringDispatch(t *testing.T) {
	b := NewBus()
	var added int
	b.On(Create, func(args ...any) error {
		b.On(Create, func(args ...any) error {
			added++
			return nil
		})
		return nil
	})

	b.Dispatch(Create)
	if added != 0 {
		t.Errorf("subscriber added mid-dispatch ran in the same pass")
	}
	if b.Count(Create) != 2 {
		t.Errorf("expected 2 subscribers, got %d", b.Count(Create))
	}
}

func TestBusOffTwice(t *testing.T) {
	b := NewBus()
	h := b.On(Error, func(args ...any) error { return nil })
	b.Off(h)
	b.Off(h)
	b.Off(Handle{})
	if b.Count(Error) != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.Count(Error))
	}
}

func TestBusOnce(t *testing.T) {
	b := NewBus()
	var n int
	b.Once(Change, func(args ...any) error {
		n++
		return nil
	})
	b.Dispatch(Change)
	b.Dispatch(Change)
	if n != 1 {
		t.Errorf("once subscriber called %d times, want 1", n)
	}
}

package command

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/hubb/pkg/events"
	"github.com/fruitsalade/hubb/pkg/protocol"
	"github.com/fruitsalade/hubb/pkg/tree"
)

var (
	// ErrAlreadyProcessed is returned by a second Process call on one command.
	ErrAlreadyProcessed = errors.New("command: already processed")

	// ErrUnbound is returned by BuildRequest before SetArguments succeeded.
	ErrUnbound = errors.New("command: arguments not bound")

	// ErrNestedBatch is returned when a batch is added to a batch.
	ErrNestedBatch = errors.New("command: batches cannot be nested")
)

// MultipleErrors aggregates per-item failures of a batch or event flush.
type MultipleErrors = events.MultipleErrors

// UnsupportedVerbError is returned by the registry for verbs outside the
// protocol vocabulary.
type UnsupportedVerbError struct {
	Verb string
}

func (e *UnsupportedVerbError) Error() string {
	return fmt.Sprintf("unsupported verb %q", e.Verb)
}

// ArityError is returned when the number of bound arguments does not match
// the argspec.
type ArityError struct {
	Verb protocol.Verb
	Want int
	Got  int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: expected %d arguments, got %d", e.Verb, e.Want, e.Got)
}

// MalformedResponseError is returned when a response lacks a field the verb
// needs to update the local tree.
type MalformedResponseError struct {
	Verb    protocol.Verb
	Address tree.Address
	Reason  string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	msg := fmt.Sprintf("%s %s: malformed response: %s", e.Verb, e.Address, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// BatchArityMismatchError is returned when a batch reply does not carry one
// item per child. Got is -1 when the reply was not a sequence at all.
type BatchArityMismatchError struct {
	Want int
	Got  int
}

func (e *BatchArityMismatchError) Error() string {
	if e.Got < 0 {
		return fmt.Sprintf("batch: expected a sequence of %d replies, got a single reply", e.Want)
	}
	return fmt.Sprintf("batch: expected %d replies, got %d", e.Want, e.Got)
}

// RemoteError carries a failure reported by the server in the response.
type RemoteError struct {
	Verb    protocol.Verb
	Address tree.Address
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: server error: %s", e.Verb, e.Address, e.Message)
}

// NotFoundError is returned when a verb needs a local node that the mirror
// does not hold.
type NotFoundError struct {
	Verb    protocol.Verb
	Address tree.Address
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: no such node in the local tree", e.Verb, e.Address)
}

// KindError is returned when a node has the wrong structural variant for
// the operation.
type KindError struct {
	Address tree.Address
	Have    tree.Kind
	Want    string
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s is a %s, expected %s", e.Address, e.Have, e.Want)
}

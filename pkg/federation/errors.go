// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package federation

import "fmt"

// Kind enumerates the error kinds surfaced by the coordinator's RPC
// surface (spec §7). Errors returned as a *Error carry one of these; codec
// and tensor-decoding failures are returned as plain errors without a Kind.
type Kind string

// Recognized error kinds.
const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindUnauthorized       Kind = "unauthorized"
	KindWrongRound         Kind = "wrong_round"
	KindDuplicateResult    Kind = "duplicate_result"
	KindNotReady           Kind = "not_ready"
	KindMissingContributor Kind = "missing_contributor"
	KindPartitionError     Kind = "partition_error"
	KindOutOfRange         Kind = "out_of_range"
	KindAlreadyQueued      Kind = "already_queued"
	KindAlreadyAuthorized  Kind = "already_authorized"
)

// Error is the typed error returned by coordinator operations. It wraps
// an optional underlying cause and carries enough context to let a
// transport adapter map it to a wire status code.
type Error struct {
	Kind      Kind
	Operation string
	Context   string
	Err       error
}

// New constructs an Error of the given kind.
func New(kind Kind, operation, context string) *Error {
	return &Error{Kind: kind, Operation: operation, Context: context}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, operation, context string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Context: context, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]", e.Kind, e.Operation)
	if e.Context != "" {
		msg += fmt.Sprintf(": %s", e.Context)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, federation.New(federation.KindNotReady, "", "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Package apperr defines the error-kind taxonomy shared by the ledger,
// order store, matching engine and gateway.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-layer mapping and caller handling.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientLiquidity Kind = "insufficient_liquidity"
	KindDuplicateOrder        Kind = "duplicate_order"
	KindLedgerInvariant       Kind = "ledger_invariant_violation"
	KindStorage               Kind = "storage_error"
)

// Error wraps a Kind with a message and optional underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags err with kind, preserving it as the unwrap chain's cause.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindStorage for
// untagged errors (treated as transient/retryable by the transport layer).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// Package errs defines the closed error taxonomy shared across the
// payment-channel engine. Every operation that can fail synchronously
// returns (or wraps) one of these kinds so callers can switch on Kind
// without parsing strings.
package errs

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind identifies the class of failure. It is never used for user-facing
// text; it's the stable tag callers branch on.
type Kind uint8

const (
	Other Kind = iota
	InputValidation
	NotFound
	StateConflict
	SignatureInvalid
	Insufficient
	BlockchainPending
	BlockchainRejected
	Internal
)

func (k Kind) String() string {
	switch k {
	case InputValidation:
		return "input_validation"
	case NotFound:
		return "not_found"
	case StateConflict:
		return "state_conflict"
	case SignatureInvalid:
		return "signature_invalid"
	case Insufficient:
		return "insufficient"
	case BlockchainPending:
		return "blockchain_pending"
	case BlockchainRejected:
		return "blockchain_rejected"
	case Internal:
		return "internal"
	default:
		return "other"
	}
}

// E is the error value carried across package boundaries. Op names the
// operation that failed (e.g. "chunkpay.Pay"); Err is the underlying
// cause, which may itself be an *E.
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// New builds a tagged error. Internal errors are wrapped with go-errors
// so a stack trace is captured at the point of failure; the other kinds
// are routine control flow and aren't worth the allocation.
func New(op string, kind Kind, err error) *E {
	if kind == Internal && err != nil {
		if _, ok := err.(*goerrors.Error); !ok {
			err = goerrors.Wrap(err, 1)
		}
	}
	return &E{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err when err is itself an *E, or Other
// otherwise; errors wrapped inside err are not inspected (Is walks the
// Unwrap chain).
func KindOf(err error) Kind {
	if e, ok := err.(*E); ok {
		return e.Kind
	}
	return Other
}

// WrapInternal tags err (if non-nil) as an Internal failure at op, or
// returns nil. Convenience for the common "storage call failed" path.
func WrapInternal(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(op, Internal, err)
}

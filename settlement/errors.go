package settlement

import (
	"errors"
	"fmt"
)

// Kind classifies settlement failures so callers can map each one to a
// specific user-visible cause instead of a generic failure message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindPrecondition
	KindExternalUnavailable
	KindLedgerRejected
	KindInsufficientFunds
	KindAlreadyProcessed
	KindAlreadySigned
	KindAlreadyCompleted
	KindDeadlineNotReached
	KindNotFound
)

// String renders the machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition_failed"
	case KindExternalUnavailable:
		return "external_unavailable"
	case KindLedgerRejected:
		return "ledger_rejected"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindAlreadyProcessed:
		return "already_processed"
	case KindAlreadySigned:
		return "already_signed"
	case KindAlreadyCompleted:
		return "already_completed"
	case KindDeadlineNotReached:
		return "deadline_not_reached"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

var (
	ErrAssetNotAvailable  = errors.New("settlement: asset not available for trade")
	ErrAlreadySigned      = errors.New("settlement: signature already recorded for role")
	ErrAlreadyCompleted   = errors.New("settlement: trade already completed")
	ErrAlreadyProcessed   = errors.New("settlement: refund already processed")
	ErrMissingSignatures  = errors.New("settlement: required signatures not present")
	ErrDeadlineNotReached = errors.New("settlement: refund deadline not reached")
	ErrInsufficientEscrow = errors.New("settlement: escrow balance below refund amount")
	ErrInsufficientFunds  = errors.New("settlement: ledger balance below required amount")
	ErrNotFound           = errors.New("settlement: record not found")
	ErrUnauthorized       = errors.New("settlement: caller not permitted")
)

// Error wraps an underlying failure with its kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "settlement: nil error"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// E builds a classified error for the given operation.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf resolves the kind for any error returned by this package. Wrapped
// sentinels are recognised so callers can rely on errors.Is as well.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) && se.Kind != KindUnknown {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrAlreadySigned):
		return KindAlreadySigned
	case errors.Is(err, ErrAlreadyCompleted):
		return KindAlreadyCompleted
	case errors.Is(err, ErrAlreadyProcessed):
		return KindAlreadyProcessed
	case errors.Is(err, ErrDeadlineNotReached):
		return KindDeadlineNotReached
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientEscrow):
		return KindInsufficientFunds
	case errors.Is(err, ErrAssetNotAvailable), errors.Is(err, ErrMissingSignatures), errors.Is(err, ErrUnauthorized):
		return KindPrecondition
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindUnknown
	}
}

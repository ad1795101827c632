package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every collaborator error is converted to one of these before it
// leaves the component that observed it.
var (
	ErrPaymentRequired   = errors.New("payment required")
	ErrPaymentReplayed   = errors.New("payment proof already used")
	ErrPaymentInvalid    = errors.New("payment verification failed")
	ErrSettlementFailed  = errors.New("payment settlement failed")
	ErrThrottled         = errors.New("actor is cooling down")
	ErrOperatorBusy      = errors.New("operator busy")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrOperatorUnfunded  = errors.New("operator needs funding")
	ErrRejected          = errors.New("operation rejected")
	ErrReverted          = errors.New("operation reverted")
	ErrInclusionTimeout  = errors.New("operation not yet included")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrStoreUnavailable  = errors.New("state store unavailable")
)

// Failure carries a kind plus the details a caller needs to respond.
type Failure struct {
	Kind       error
	Detail     string
	RetryAfter time.Duration
	TxHash     string
	Err        error
}

// Fail builds a Failure of the given kind.
func Fail(kind error, detail string, cause error) *Failure {
	return &Failure{Kind: kind, Detail: detail, Err: cause}
}

func (f *Failure) Error() string {
	msg := f.Kind.Error()
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, f.Detail)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, f.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// AsFailure extracts the Failure from err, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

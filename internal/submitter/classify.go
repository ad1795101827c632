package submitter

import (
	"context"
	"errors"
	"strings"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

// ErrNonceConflict means the nonce we used was already taken.
var ErrNonceConflict = errors.New("nonce conflict")

var conflictMarkers = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"nonce has already been used",
	"invalid nonce",
}

// ErrAlreadyKnown means the node already holds this exact signed
// transaction, so an earlier send of ours is pending.
var ErrAlreadyKnown = errors.New("transaction already known")

// Classify maps a send error to ErrNonceConflict, ErrAlreadyKnown or a domain
// kind.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ErrLedgerUnavailable
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return ErrAlreadyKnown
	}
	for _, m := range conflictMarkers {
		if strings.Contains(msg, m) {
			return ErrNonceConflict
		}
	}
	return ClassifyRevert(msg)
}

// ClassifyRevert maps node or revert text that is not a nonce conflict.
func ClassifyRevert(msg string) error {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return domain.ErrOperatorUnfunded
	case strings.Contains(msg, "revert") && strings.Contains(msg, "already"):
		return domain.ErrAlreadyExists
	case strings.Contains(msg, "revert"):
		return domain.ErrRejected
	default:
		return domain.ErrLedgerUnavailable
	}
}

// detail trims node error text to something fit for a response body.
func detail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		msg = msg[i:]
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

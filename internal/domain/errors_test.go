package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureMatchesKindAndCause(t *testing.T) {
	f := Fail(ErrPaymentInvalid, "signature mismatch", context.DeadlineExceeded)
	wrapped := fmt.Errorf("authorize: %w", f)

	assert.ErrorIs(t, wrapped, ErrPaymentInvalid)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.NotErrorIs(t, wrapped, ErrSettlementFailed)

	got, ok := AsFailure(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "signature mismatch", got.Detail)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "payment proof already used", Fail(ErrPaymentReplayed, "", nil).Error())
	assert.Equal(t, "operator busy: nonce retries exhausted (boom)",
		Fail(ErrOperatorBusy, "nonce retries exhausted", errors.New("boom")).Error())
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("settle 20250102: %w", ErrAlreadySettled), KindAlreadySettled},
		{fmt.Errorf("post: %w", ErrLedgerImbalance), KindLedgerImbalance},
		{fmt.Errorf("bet: %w", ErrInsufficientBalance), KindInsufficientBalance},
		{errors.New("boom"), KindInternal},
		{nil, KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err))
	}
}

func TestMeta(t *testing.T) {
	assert.Equal(t, http.StatusConflict, Meta(KindAlreadySettled).HTTPStatus)
	assert.True(t, Meta(KindLedgerImbalance).Fatal)
	assert.True(t, Meta(KindOracleUnavailable).Retryable)
	assert.Equal(t, http.StatusInternalServerError, Meta(Kind("nope")).HTTPStatus)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("x: %w", ErrLedgerImbalance)))
	assert.False(t, IsFatal(ErrInvalidStake))
	assert.False(t, IsFatal(nil))
}

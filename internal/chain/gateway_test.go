package chain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/chain"
	"github.com/atmx/updown-engine/internal/model"
)

func TestSimulated(t *testing.T) {
	g := chain.NewSimulated()
	w := model.Withdrawal{ID: "w1", UserID: "alice", Amount: 50}

	first, err := g.SubmitWithdrawal(context.Background(), w)
	require.NoError(t, err)
	assert.Len(t, first.TxHash, 66)

	again, err := g.SubmitWithdrawal(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, again.TxHash, "hash is deterministic")

	g.FailNext(1)
	_, err = g.SubmitWithdrawal(context.Background(), w)
	assert.ErrorIs(t, err, chain.ErrRejected)
	_, err = g.SubmitWithdrawal(context.Background(), w)
	assert.NoError(t, err)

	assert.Equal(t, []string{"w1", "w1", "w1", "w1"}, g.Submitted())
}

func TestSimulated_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chain.NewSimulated().SubmitWithdrawal(ctx, model.Withdrawal{ID: "w"})
	assert.ErrorIs(t, err, context.Canceled)
}

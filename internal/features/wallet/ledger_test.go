package wallet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wellness-ledger/internal/common"
)

func TestApplyEntry_AssignsSequenceAndTotals(t *testing.T) {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	w := Wallet{UserID: 1, Status: StatusActive}

	w, tx1, err := applyEntry(w, Entry{UserID: 1, AmountCents: 300}, now)
	require.NoError(t, err)
	w, tx2, err := applyEntry(w, Entry{UserID: 1, AmountCents: -120}, now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), tx1.Seq)
	assert.Equal(t, int64(2), tx2.Seq)
	assert.Equal(t, TxDebit, tx2.Type)
	assert.Equal(t, int64(180), w.BalanceCents)
	assert.Equal(t, int64(300), w.TotalCredited)
	assert.Equal(t, int64(120), w.TotalDebited)
	assert.NotEqual(t, tx1.ID, tx2.ID)
	assert.NotNil(t, tx1.Metadata)
}

func TestApplyEntry_LeavesWalletUntouchedOnFailure(t *testing.T) {
	w := Wallet{UserID: 1, Status: StatusActive, BalanceCents: 50, LastSeq: 3}

	got, _, err := applyEntry(w, Entry{UserID: 1, AmountCents: -51}, time.Now())
	require.ErrorIs(t, err, common.ErrInsufficientFunds)
	assert.Equal(t, w, got)

	w.Status = StatusLocked
	_, _, err = applyEntry(w, Entry{UserID: 1, AmountCents: 10}, time.Now())
	assert.ErrorIs(t, err, common.ErrWalletLocked)
}

func TestVerifyChain_DetectsBrokenSnapshot(t *testing.T) {
	w := Wallet{UserID: 1, BalanceCents: 150}
	txs := []*Transaction{
		{Seq: 1, AmountCents: 100, BalanceAfterCents: 100},
		{Seq: 2, AmountCents: 100, BalanceAfterCents: 250}, // должно быть 200
		{Seq: 3, AmountCents: -50, BalanceAfterCents: 150},
	}

	rec := verifyChain(w, txs)
	assert.False(t, rec.OK)
	assert.Equal(t, int64(2), rec.BrokenAtSeq)
	assert.Equal(t, int64(150), rec.LedgerSumCents)
	assert.Equal(t, 3, rec.Transactions)
}

func TestVerifyChain_DetectsBalanceDrift(t *testing.T) {
	w := Wallet{UserID: 1, BalanceCents: 999}
	txs := []*Transaction{{Seq: 1, AmountCents: 100, BalanceAfterCents: 100}}

	rec := verifyChain(w, txs)
	assert.False(t, rec.OK)
	assert.Zero(t, rec.BrokenAtSeq)
}

// Package wallet: ledger.go содержит чистую логику одного шага журнала.
// Её используют и PostgreSQL-, и in-memory-репозиторий, поэтому правила
// (блокировка, неотрицательный баланс, нумерация) описаны в одном месте.
package wallet

import (
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// applyEntry проверяет запрос и возвращает новое состояние кошелька и запись журнала.
// Кошелёк на входе должен быть заблокирован вызывающим (строка FOR UPDATE или мьютекс).
func applyEntry(w Wallet, e Entry, now time.Time) (Wallet, Transaction, error) {
	if e.AmountCents == 0 {
		return w, Transaction{}, common.ErrInvalidAmount
	}
	if w.Status == StatusLocked {
		return w, Transaction{}, common.ErrWalletLocked
	}

	next := w.BalanceCents + e.AmountCents
	if next < 0 {
		return w, Transaction{}, &common.InsufficientFundsError{
			UserID:    w.UserID,
			Balance:   w.BalanceCents,
			Requested: -e.AmountCents,
		}
	}

	txType := TxCredit
	if e.AmountCents < 0 {
		txType = TxDebit
		w.TotalDebited += -e.AmountCents
	} else {
		w.TotalCredited += e.AmountCents
	}
	w.BalanceCents = next
	w.LastSeq++
	w.UpdatedAt = now

	meta := e.Metadata
	if meta == nil {
		meta = common.Metadata{}
	}

	tx := Transaction{
		ID:                uuid.NewString(),
		UserID:            w.UserID,
		Seq:               w.LastSeq,
		Type:              txType,
		AmountCents:       e.AmountCents,
		BalanceAfterCents: next,
		IdempotencyKey:    e.IdempotencyKey,
		Metadata:          meta,
		CreatedAt:         now,
	}
	return w, tx, nil
}

// verifyChain пересчитывает журнал (в порядке seq) и сравнивает с балансом.
func verifyChain(w Wallet, txs []*Transaction) *Reconciliation {
	rec := &Reconciliation{
		UserID:       w.UserID,
		BalanceCents: w.BalanceCents,
		Transactions: len(txs),
		OK:           true,
	}
	var running int64
	for _, tx := range txs {
		running += tx.AmountCents
		if running != tx.BalanceAfterCents && rec.BrokenAtSeq == 0 {
			rec.BrokenAtSeq = tx.Seq
			rec.OK = false
		}
	}
	rec.LedgerSumCents = running
	if running != w.BalanceCents {
		rec.OK = false
	}
	return rec
}

// Package wallet ведёт кошельки пользователей и неизменяемый журнал транзакций.
// models.go описывает кошелёк, транзакцию и события для уведомлений.
package wallet

import (
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// Status: состояние кошелька.
type Status string

const (
	StatusActive Status = "active" // Обычный режим
	StatusLocked Status = "locked" // Заморожен администратором
)

// Valid проверяет, что статус известен.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusLocked
}

// TxType: направление движения средств.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// Wallet представляет кошелёк пользователя.
// У каждого пользователя ровно одна запись; кошелёк не удаляется, только блокируется.
type Wallet struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"userId"`
	BalanceCents  int64     `db:"balance_cents" json:"balanceCents"`   // Всегда >= 0
	Currency      string    `db:"currency" json:"currency"`            // Фиксируется при создании
	Status        Status    `db:"status" json:"status"`
	TotalCredited int64     `db:"total_credited" json:"totalCredited"` // Сколько всего зачислено
	TotalDebited  int64     `db:"total_debited" json:"totalDebited"`   // Сколько всего списано
	LastSeq       int64     `db:"last_seq" json:"lastSeq"`             // Номер последней транзакции
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Transaction: одна запись журнала. После записи не меняется и не удаляется.
type Transaction struct {
	ID                string          `db:"id" json:"id"`
	UserID            int64           `db:"user_id" json:"userId"`
	Seq               int64           `db:"seq" json:"seq"` // Порядковый номер внутри кошелька
	Type              TxType          `db:"type" json:"type"`
	AmountCents       int64           `db:"amount_cents" json:"amountCents"`              // Со знаком: + зачисление, - списание
	BalanceAfterCents int64           `db:"balance_after_cents" json:"balanceAfterCents"` // Баланс сразу после этой записи
	IdempotencyKey    string          `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	Metadata          common.Metadata `db:"metadata" json:"metadata"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
}

// Entry: запрос на изменение баланса, который репозиторий применяет атомарно.
type Entry struct {
	UserID         int64
	AmountCents    int64 // Со знаком
	Metadata       common.Metadata
	IdempotencyKey string // Пустой: без защиты от повтора
}

// Event уходит в уведомления после каждой успешной операции.
type Event struct {
	UserID            int64
	Type              TxType
	AmountCents       int64
	BalanceAfterCents int64
	Currency          string
	Metadata          common.Metadata
}

// Reconciliation: результат сверки баланса с журналом.
type Reconciliation struct {
	UserID         int64 `json:"userId"`
	BalanceCents   int64 `json:"balanceCents"`   // Что записано в кошельке
	LedgerSumCents int64 `json:"ledgerSumCents"` // Сумма amount_cents по журналу
	Transactions   int   `json:"transactions"`
	BrokenAtSeq    int64 `json:"brokenAtSeq,omitempty"` // Первая запись, где balance_after не совпал с накопленной суммой
	OK             bool  `json:"ok"`
}

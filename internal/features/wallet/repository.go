// Package wallet: repository.go выполняет все операции с таблицами wallets и wallet_transactions.
// Все денежные операции выполняются в транзакциях БД для целостности данных.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
)

// Repository: хранилище кошельков и журнала.
// Apply единственная пишущая операция над балансом: проверка, изменение баланса
// и запись в журнал происходят атомарно и сериализуются по кошельку.
type Repository interface {
	GetOrCreate(ctx context.Context, userID int64, currency string) (*Wallet, error)
	Get(ctx context.Context, userID int64) (*Wallet, error)
	Apply(ctx context.Context, e Entry) (*Transaction, error)
	SetStatus(ctx context.Context, userID int64, status Status) (*Wallet, error)
	// ListTransactions возвращает записи от новых к старым; beforeSeq > 0 задаёт курсор.
	ListTransactions(ctx context.Context, userID int64, limit int, beforeSeq int64) ([]*Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	Reconcile(ctx context.Context, userID int64) (*Reconciliation, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

const idempotencyConstraint = "wallet_transactions_idempotency_key_key"

// PostgresRepository хранит кошельки в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий кошельков.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `id, user_id, balance_cents, currency, status, total_credited, total_debited,
	last_seq, created_at, updated_at`

const txColumns = `id, user_id, seq, type, amount_cents, balance_after_cents,
	COALESCE(idempotency_key, ''), metadata, created_at`

// GetOrCreate возвращает кошелёк, создавая его с нулевым балансом при первом обращении.
// Гонка двух первых обращений сходится на одной строке благодаря ON CONFLICT.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, userID int64, currency string) (*Wallet, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO wallets (user_id, balance_cents, currency, status)
		VALUES ($1, 0, $2, 'active')
		ON CONFLICT (user_id) DO NOTHING
	`, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания кошелька: %w", err)
	}
	return r.Get(ctx, userID)
}

// Get возвращает кошелёк без создания.
func (r *PostgresRepository) Get(ctx context.Context, userID int64) (*Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrWalletNotFound
		}
		return nil, fmt.Errorf("ошибка получения кошелька (user_id=%d): %w", userID, err)
	}
	return w, nil
}

// Apply меняет баланс и пишет транзакцию в журнал.
//
// Строка кошелька блокируется SELECT ... FOR UPDATE, поэтому две операции над одним
// кошельком выполняются строго по очереди, а операции над разными кошельками
// друг друга не ждут.
func (r *PostgresRepository) Apply(ctx context.Context, e Entry) (*Transaction, error) {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}

	var out Transaction
	err = postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, e.UserID)
		w, err := scanWallet(row)
		if err != nil {
			if postgres.IsNoRows(err) {
				return common.ErrWalletNotFound
			}
			return fmt.Errorf("ошибка блокировки кошелька: %w", err)
		}

		// Повтор уже проведённой операции определяем до проверки баланса:
		// иначе повтор успешного списания выглядел бы как нехватка средств
		if e.IdempotencyKey != "" {
			var exists bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM wallet_transactions WHERE idempotency_key = $1)`,
				e.IdempotencyKey,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("ошибка проверки идемпотентности: %w", err)
			}
			if exists {
				return common.ErrDuplicateTransaction
			}
		}

		next, record, err := applyEntry(*w, e, time.Now().UTC())
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance_cents = $2, total_credited = $3, total_debited = $4,
			    last_seq = $5, updated_at = NOW()
			WHERE user_id = $1
		`, next.UserID, next.BalanceCents, next.TotalCredited, next.TotalDebited, next.LastSeq)
		if err != nil {
			return fmt.Errorf("ошибка обновления баланса: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO wallet_transactions
				(id, user_id, seq, type, amount_cents, balance_after_cents, idempotency_key, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
			RETURNING created_at
		`, record.ID, record.UserID, record.Seq, record.Type, record.AmountCents,
			record.BalanceAfterCents, record.IdempotencyKey, meta,
		).Scan(&record.CreatedAt)
		if err != nil {
			return fmt.Errorf("ошибка записи транзакции: %w", err)
		}

		out = record
		return nil
	})
	if err != nil {
		if postgres.IsUniqueViolation(err, idempotencyConstraint) {
			return nil, common.ErrDuplicateTransaction
		}
		return nil, err
	}
	return &out, nil
}

// SetStatus меняет статус. Баланс и журнал не трогает.
func (r *PostgresRepository) SetStatus(ctx context.Context, userID int64, status Status) (*Wallet, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE wallets SET status = $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING `+walletColumns, userID, status)
	w, err := scanWallet(row)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrWalletNotFound
		}
		return nil, fmt.Errorf("ошибка смены статуса кошелька: %w", err)
	}
	return w, nil
}

// ListTransactions возвращает последние транзакции пользователя.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, limit int, beforeSeq int64) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM wallet_transactions
		WHERE user_id = $1 AND ($3 = 0 OR seq < $3)
		ORDER BY seq DESC
		LIMIT $2
	`
	return r.queryTransactions(ctx, query, userID, limit, beforeSeq)
}

// FindByIdempotencyKey находит ранее проведённую транзакцию по ключу.
func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	txs, err := r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("транзакция с ключом %q: %w", key, pgx.ErrNoRows)
	}
	return txs[0], nil
}

// Reconcile сверяет баланс с журналом в одном снимке данных.
func (r *PostgresRepository) Reconcile(ctx context.Context, userID int64) (*Reconciliation, error) {
	var rec *Reconciliation
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		// FOR SHARE: пока сверяем, новые операции по кошельку ждут
		row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR SHARE`, userID)
		w, err := scanWallet(row)
		if err != nil {
			if postgres.IsNoRows(err) {
				return common.ErrWalletNotFound
			}
			return err
		}
		rows, err := tx.Query(ctx,
			`SELECT `+txColumns+` FROM wallet_transactions WHERE user_id = $1 ORDER BY seq`, userID)
		if err != nil {
			return fmt.Errorf("ошибка чтения журнала: %w", err)
		}
		txs, err := collectTransactions(rows)
		if err != nil {
			return err
		}
		rec = verifyChain(*w, txs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListUserIDs возвращает владельцев всех кошельков. Нужен для ночной сверки.
func (r *PostgresRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения кошельков: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения транзакций: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*Transaction, error) {
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var meta []byte
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Seq, &t.Type, &t.AmountCents, &t.BalanceAfterCents,
			&t.IdempotencyKey, &meta, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования транзакции: %w", err)
		}
		if t.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return out, nil
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.ID, &w.UserID, &w.BalanceCents, &w.Currency, &w.Status,
		&w.TotalCredited, &w.TotalDebited, &w.LastSeq, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func encodeMetadata(m common.Metadata) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage(`{}`), nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (common.Metadata, error) {
	m := common.Metadata{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("ошибка разбора метаданных: %w", err)
	}
	return m, nil
}

// IsNotFound сообщает, что транзакция по ключу не найдена.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, common.ErrWalletNotFound)
}

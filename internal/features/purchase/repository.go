// Package purchase: repository.go хранит попытки покупки и отметки о сбоях компенсации.
package purchase

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

// errStaleState: попытка уже ушла из ожидаемого состояния (её двигает другой процесс).
var errStaleState = errors.New("состояние попытки изменилось")

// Repository: хранилище попыток покупки.
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	// Transition переводит попытку в to, только если сейчас она в одном из from.
	Transition(ctx context.Context, id string, from []State, to State, upd Update) (*Attempt, error)
	// ListStale возвращает попытки в states, не менявшиеся с before.
	ListStale(ctx context.Context, states []State, before time.Time) ([]*Attempt, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Attempt, error)

	// InsertFailure пишет отметку о сбое. Повтор для той же попытки возвращает существующую.
	InsertFailure(ctx context.Context, f *CompensationFailure) (*CompensationFailure, error)
	FailureByAttempt(ctx context.Context, attemptID string) (*CompensationFailure, error)
	ListFailures(ctx context.Context, unresolvedOnly bool) ([]*CompensationFailure, error)
	ResolveFailure(ctx context.Context, id, adminID int64, note string) (*CompensationFailure, error)
}

const attemptColumns = `id, user_id, product_ref, amount_cents, state, debit_tx_id, refund_tx_id,
	last_error, metadata, created_at, updated_at`

const failureColumns = `id, source, attempt_id, user_id, amount_cents, error, resolved_at, resolved_by,
	resolution_note, created_at`

// PostgresRepository хранит попытки в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий попыток.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *Attempt) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных попытки: %w", err)
	}
	if a.Metadata == nil {
		meta = []byte(`{}`)
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO purchase_attempts (id, user_id, product_ref, amount_cents, state, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, a.ID, a.UserID, a.ProductRef, a.AmountCents, string(a.State), json.RawMessage(meta),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания попытки покупки: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Attempt, error) {
	a, err := scanAttempt(r.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM purchase_attempts WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("ошибка получения попытки: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, id string, from []State, to State, upd Update) (*Attempt, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	a, err := scanAttempt(r.db.QueryRow(ctx, `
		UPDATE purchase_attempts
		SET state = $2,
		    debit_tx_id = COALESCE($3, debit_tx_id),
		    refund_tx_id = COALESCE($4, refund_tx_id),
		    last_error = CASE WHEN $5 = '' THEN last_error ELSE $5 END,
		    updated_at = NOW()
		WHERE id = $1 AND state = ANY($6::text[])
		RETURNING `+attemptColumns,
		id, string(to), upd.DebitTxID, upd.RefundTxID, upd.LastError, states))
	if err == nil {
		return a, nil
	}
	if !postgres.IsNoRows(err) {
		return nil, fmt.Errorf("ошибка перехода попытки %s в %s: %w", id, to, err)
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, errStaleState
}

func (r *PostgresRepository) ListStale(ctx context.Context, states []State, before time.Time) ([]*Attempt, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return r.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts
		WHERE state = ANY($1::text[]) AND updated_at < $2
		ORDER BY updated_at
	`, names, before)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*Attempt, error) {
	return r.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM purchase_attempts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

func (r *PostgresRepository) InsertFailure(ctx context.Context, f *CompensationFailure) (*CompensationFailure, error) {
	out, err := scanFailure(r.db.QueryRow(ctx, `
		INSERT INTO compensation_failures (source, attempt_id, user_id, amount_cents, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id) DO NOTHING
		RETURNING `+failureColumns,
		failureSource(f), f.AttemptID, f.UserID, f.AmountCents, f.Error))
	if err == nil {
		return out, nil
	}
	if !postgres.IsNoRows(err) {
		return nil, fmt.Errorf("ошибка записи сбоя компенсации: %w", err)
	}
	return r.FailureByAttempt(ctx, f.AttemptID)
}

func (r *PostgresRepository) FailureByAttempt(ctx context.Context, attemptID string) (*CompensationFailure, error) {
	f, err := scanFailure(r.db.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM compensation_failures WHERE attempt_id = $1`, attemptID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrFailureNotFound
		}
		return nil, fmt.Errorf("ошибка получения сбоя компенсации: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) ListFailures(ctx context.Context, unresolvedOnly bool) ([]*CompensationFailure, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+failureColumns+`
		FROM compensation_failures
		WHERE NOT $1 OR resolved_at IS NULL
		ORDER BY created_at
	`, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сбоев компенсации: %w", err)
	}
	defer rows.Close()

	var out []*CompensationFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования сбоя компенсации: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResolveFailure закрывает отметку. Уже закрытая возвращается без изменений.
func (r *PostgresRepository) ResolveFailure(ctx context.Context, id, adminID int64, note string) (*CompensationFailure, error) {
	f, err := scanFailure(r.db.QueryRow(ctx, `
		UPDATE compensation_failures
		SET resolved_at = NOW(), resolved_by = $2, resolution_note = $3
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+failureColumns, id, adminID, note))
	if err == nil {
		return f, nil
	}
	if !postgres.IsNoRows(err) {
		return nil, fmt.Errorf("ошибка закрытия сбоя компенсации: %w", err)
	}

	f, err = scanFailure(r.db.QueryRow(ctx, `SELECT `+failureColumns+` FROM compensation_failures WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrFailureNotFound
		}
		return nil, fmt.Errorf("ошибка получения сбоя компенсации: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]*Attempt, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения попыток: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования попытки: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	var state string
	var meta []byte
	err := row.Scan(
		&a.ID, &a.UserID, &a.ProductRef, &a.AmountCents, &state, &a.DebitTxID, &a.RefundTxID,
		&a.LastError, &meta, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.State = State(state)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("ошибка чтения метаданных попытки: %w", err)
		}
	}
	return &a, nil
}

func scanFailure(row pgx.Row) (*CompensationFailure, error) {
	var f CompensationFailure
	err := row.Scan(
		&f.ID, &f.Source, &f.AttemptID, &f.UserID, &f.AmountCents, &f.Error, &f.ResolvedAt, &f.ResolvedBy,
		&f.ResolutionNote, &f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func failureSource(f *CompensationFailure) string {
	if f.Source == "" {
		return FailureSourcePurchase
	}
	return f.Source
}

// Package referral: repository.go выполняет операции с таблицами referrals и referral_activity_days.
package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
)

// Repository: хранилище рефералов.
type Repository interface {
	// Claim атомарно привязывает приглашённого к пригласившему и создаёт Referral.
	// Если у приглашённого уже есть Referral, возвращает его и created=false.
	// Если профиль уже привязан к другому пригласившему без Referral, возвращает ErrAlreadyReferred.
	Claim(ctx context.Context, inviteeID, referrerID int64, code string) (ref *Referral, created bool, err error)
	GetByInvitee(ctx context.Context, inviteeID int64) (*Referral, error)
	// RecordDay учитывает день активности. counted=false, если этот день уже учтён.
	RecordDay(ctx context.Context, referralID int64, day time.Time) (ref *Referral, counted bool, err error)
	// MarkMilestone ставит флаг награды. flipped=false, если флаг уже стоял.
	MarkMilestone(ctx context.Context, referralID int64, m Milestone) (flipped bool, err error)
	ListByReferrer(ctx context.Context, referrerID int64) ([]*Referral, error)
	// ListPendingMilestones возвращает рефералы, где порог достигнут, а флаг не стоит.
	ListPendingMilestones(ctx context.Context, t Thresholds) ([]*Referral, error)
}

const referralColumns = `id, invitee_user_id, referrer_user_id, referral_code, invitee_joined_at,
	invitee_day_count, reward_5day_awarded, reward_10day_awarded, created_at, updated_at`

// PostgresRepository хранит рефералов в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий рефералов.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Claim выполняется в одной транзакции: строка профиля приглашённого блокируется,
// поэтому две параллельные активации одного пользователя идут по очереди.
func (r *PostgresRepository) Claim(ctx context.Context, inviteeID, referrerID int64, code string) (*Referral, bool, error) {
	var out *Referral
	created := false

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		profile, err := profiles.ScanProfile(tx.QueryRow(ctx,
			`SELECT `+profiles.Columns()+` FROM profiles WHERE user_id = $1 FOR UPDATE`, inviteeID))
		if err != nil {
			if postgres.IsNoRows(err) {
				return common.ErrProfileNotFound
			}
			return fmt.Errorf("ошибка блокировки профиля: %w", err)
		}

		existing, err := scanReferral(tx.QueryRow(ctx,
			`SELECT `+referralColumns+` FROM referrals WHERE invitee_user_id = $1`, inviteeID))
		if err == nil {
			out = existing
			return nil
		}
		if !postgres.IsNoRows(err) {
			return fmt.Errorf("ошибка поиска реферала: %w", err)
		}

		if profile.ReferredBy != nil && *profile.ReferredBy != referrerID {
			return common.ErrAlreadyReferred
		}

		out, err = scanReferral(tx.QueryRow(ctx, `
			INSERT INTO referrals (invitee_user_id, referrer_user_id, referral_code)
			VALUES ($1, $2, $3)
			RETURNING `+referralColumns, inviteeID, referrerID, code))
		if err != nil {
			return fmt.Errorf("ошибка создания реферала: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE profiles SET referred_by = $2, updated_at = NOW()
			WHERE user_id = $1
		`, inviteeID, referrerID)
		if err != nil {
			return fmt.Errorf("ошибка привязки профиля: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetByInvitee возвращает реферал приглашённого.
func (r *PostgresRepository) GetByInvitee(ctx context.Context, inviteeID int64) (*Referral, error) {
	ref, err := scanReferral(r.db.QueryRow(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE invitee_user_id = $1`, inviteeID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrReferralNotFound
		}
		return nil, fmt.Errorf("ошибка получения реферала: %w", err)
	}
	return ref, nil
}

// RecordDay вставляет день в referral_activity_days и, если он новый,
// увеличивает счётчик. Обе записи в одной транзакции.
func (r *PostgresRepository) RecordDay(ctx context.Context, referralID int64, day time.Time) (*Referral, bool, error) {
	var out *Referral
	counted := false

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO referral_activity_days (referral_id, activity_date)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, referralID, day)
		if err != nil {
			return fmt.Errorf("ошибка записи дня активности: %w", err)
		}

		if tag.RowsAffected() == 1 {
			counted = true
			out, err = scanReferral(tx.QueryRow(ctx, `
				UPDATE referrals
				SET invitee_day_count = invitee_day_count + 1, updated_at = NOW()
				WHERE id = $1
				RETURNING `+referralColumns, referralID))
		} else {
			out, err = scanReferral(tx.QueryRow(ctx,
				`SELECT `+referralColumns+` FROM referrals WHERE id = $1`, referralID))
		}
		if err != nil {
			if postgres.IsNoRows(err) {
				return common.ErrReferralNotFound
			}
			return fmt.Errorf("ошибка обновления счётчика дней: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, counted, nil
}

// MarkMilestone переключает флаг порога, только если он ещё не стоит.
func (r *PostgresRepository) MarkMilestone(ctx context.Context, referralID int64, m Milestone) (bool, error) {
	column := "reward_5day_awarded"
	if m == MilestoneSecond {
		column = "reward_10day_awarded"
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE referrals
		SET `+column+` = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT `+column, referralID)
	if err != nil {
		return false, fmt.Errorf("ошибка установки флага награды: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByReferrer возвращает всех приглашённых пользователем.
func (r *PostgresRepository) ListByReferrer(ctx context.Context, referrerID int64) ([]*Referral, error) {
	return r.queryReferrals(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE referrer_user_id = $1
		ORDER BY created_at DESC
	`, referrerID)
}

// ListPendingMilestones находит рефералы с невыданной наградой за достигнутый порог.
func (r *PostgresRepository) ListPendingMilestones(ctx context.Context, t Thresholds) ([]*Referral, error) {
	return r.queryReferrals(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE (invitee_day_count >= $1 AND NOT reward_5day_awarded)
		   OR (invitee_day_count >= $2 AND NOT reward_10day_awarded)
		ORDER BY id
	`, t.First, t.Second)
}

func (r *PostgresRepository) queryReferrals(ctx context.Context, query string, args ...any) ([]*Referral, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения рефералов: %w", err)
	}
	defer rows.Close()

	var out []*Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования реферала: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func scanReferral(row pgx.Row) (*Referral, error) {
	var ref Referral
	err := row.Scan(
		&ref.ID, &ref.InviteeUserID, &ref.ReferrerUserID, &ref.ReferralCode, &ref.InviteeJoinedAt,
		&ref.InviteeDayCount, &ref.Reward5DayAwarded, &ref.Reward10DayAwarded,
		&ref.CreatedAt, &ref.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

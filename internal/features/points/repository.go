// Package points: repository.go выполняет операции с таблицами point_rules и point_events.
package points

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
)

// Repository: хранилище правил и событий начисления.
type Repository interface {
	ListRules(ctx context.Context) ([]Rule, error)
	// UpsertRule создаёт или меняет правило и выдаёт ему новую версию.
	UpsertRule(ctx context.Context, r Rule) (*Rule, error)
	// SeedRules вставляет правила, только если таблица пуста. Возвращает число вставленных.
	SeedRules(ctx context.Context, rules []Rule) (int, error)
	// FindEvent возвращает nil, nil, если события нет.
	FindEvent(ctx context.Context, userID int64, action, referenceID string) (*Event, error)
	// InsertEvent возвращает ErrAlreadyAwarded при повторе (userID, action, referenceID).
	InsertEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, userID int64, limit int) ([]*Event, error)
}

const eventReferenceConstraint = "point_events_reference_key"

// PostgresRepository хранит правила и события в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий баллов.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const ruleColumns = `action, points, description, is_active, updated_by, version, updated_at`

// ListRules возвращает все правила.
func (r *PostgresRepository) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.Query(ctx, `SELECT `+ruleColumns+` FROM point_rules ORDER BY action`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения правил: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(
			&rule.Action, &rule.Points, &rule.Description, &rule.IsActive,
			&rule.UpdatedBy, &rule.Version, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования правила: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UpsertRule сохраняет правило. Версия всегда берётся из последовательности.
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule Rule) (*Rule, error) {
	query := `
		INSERT INTO point_rules (action, points, description, is_active, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (action) DO UPDATE
		SET points = EXCLUDED.points,
		    description = EXCLUDED.description,
		    is_active = EXCLUDED.is_active,
		    updated_by = EXCLUDED.updated_by,
		    version = nextval('point_rules_version_seq'),
		    updated_at = NOW()
		RETURNING ` + ruleColumns
	var out Rule
	err := r.db.QueryRow(ctx, query,
		rule.Action, rule.Points, rule.Description, rule.IsActive, rule.UpdatedBy,
	).Scan(
		&out.Action, &out.Points, &out.Description, &out.IsActive,
		&out.UpdatedBy, &out.Version, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка сохранения правила %q: %w", rule.Action, err)
	}
	return &out, nil
}

// SeedRules заполняет пустую таблицу правил.
// Проверка и вставка идут в одной транзакции под блокировкой таблицы,
// чтобы два экземпляра не засеяли её одновременно.
func (r *PostgresRepository) SeedRules(ctx context.Context, rules []Rule) (int, error) {
	inserted := 0
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE point_rules IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM point_rules`).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		for _, rule := range rules {
			_, err := tx.Exec(ctx, `
				INSERT INTO point_rules (action, points, description, is_active)
				VALUES ($1, $2, $3, $4)
			`, rule.Action, rule.Points, rule.Description, rule.IsActive)
			if err != nil {
				return fmt.Errorf("ошибка вставки правила %q: %w", rule.Action, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка начального заполнения правил: %w", err)
	}
	return inserted, nil
}

// FindEvent ищет событие по ключу дедупликации.
func (r *PostgresRepository) FindEvent(ctx context.Context, userID int64, action, referenceID string) (*Event, error) {
	events, err := r.queryEvents(ctx, `
		SELECT id, user_id, action, points_awarded, COALESCE(reference_id, ''),
		       transaction_id::text, rule_version, created_at
		FROM point_events
		WHERE user_id = $1 AND action = $2 AND reference_id = $3
	`, userID, action, referenceID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// InsertEvent записывает событие и заполняет ID и CreatedAt.
func (r *PostgresRepository) InsertEvent(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO point_events (user_id, action, points_awarded, reference_id, transaction_id, rule_version)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::uuid, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		e.UserID, e.Action, e.PointsAwarded, e.ReferenceID, e.TransactionID, e.RuleVersion,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, eventReferenceConstraint) {
			return common.ErrAlreadyAwarded
		}
		return fmt.Errorf("ошибка записи события начисления: %w", err)
	}
	return nil
}

// ListEvents возвращает последние события пользователя.
func (r *PostgresRepository) ListEvents(ctx context.Context, userID int64, limit int) ([]*Event, error) {
	return r.queryEvents(ctx, `
		SELECT id, user_id, action, points_awarded, COALESCE(reference_id, ''),
		       transaction_id::text, rule_version, created_at
		FROM point_events
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
}

func (r *PostgresRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий начисления: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Action, &e.PointsAwarded, &e.ReferenceID,
			&e.TransactionID, &e.RuleVersion, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Package rewards: repository.go выполняет операции с таблицами rewards и redemptions.
package rewards

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
)

// Repository: хранилище каталога и обменов.
type Repository interface {
	Create(ctx context.Context, r *Reward) error
	Update(ctx context.Context, r *Reward) error
	Get(ctx context.Context, id int64) (*Reward, error)
	List(ctx context.Context, includeInactive bool) ([]*Reward, error)
	// ReserveStock атомарно проверяет stock >= quantity и уменьшает остаток.
	// Для награды без ограничения ничего не делает.
	ReserveStock(ctx context.Context, id int64, quantity int) error
	// ReleaseStock возвращает зарезервированные единицы.
	ReleaseStock(ctx context.Context, id int64, quantity int) error
	// Restock добавляет delta к остатку; для неограниченной награды делает её ограниченной.
	Restock(ctx context.Context, id int64, delta int) (*Reward, error)
	InsertRedemption(ctx context.Context, r *Redemption) error
	ListRedemptions(ctx context.Context, userID int64, limit int) ([]*Redemption, error)
}

// PostgresRepository хранит каталог в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий наград.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const rewardColumns = `id, title, description, image_url, cost_points, stock, is_active, created_at, updated_at`

// Create добавляет награду и заполняет ID.
func (r *PostgresRepository) Create(ctx context.Context, rw *Reward) error {
	query := `
		INSERT INTO rewards (title, description, image_url, cost_points, stock, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		rw.Title, rw.Description, rw.ImageURL, rw.CostPoints, rw.Stock, rw.IsActive,
	).Scan(&rw.ID, &rw.CreatedAt, &rw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания награды: %w", err)
	}
	return nil
}

// Update меняет описание, цену и активность. Остаток не трогает.
func (r *PostgresRepository) Update(ctx context.Context, rw *Reward) error {
	query := `
		UPDATE rewards
		SET title = $2, description = $3, image_url = $4, cost_points = $5,
		    is_active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING stock, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		rw.ID, rw.Title, rw.Description, rw.ImageURL, rw.CostPoints, rw.IsActive,
	).Scan(&rw.Stock, &rw.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return common.ErrRewardNotFound
		}
		return fmt.Errorf("ошибка обновления награды: %w", err)
	}
	return nil
}

// Get возвращает награду по ID.
func (r *PostgresRepository) Get(ctx context.Context, id int64) (*Reward, error) {
	rw, err := scanReward(r.db.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrRewardNotFound
		}
		return nil, fmt.Errorf("ошибка получения награды: %w", err)
	}
	return rw, nil
}

// List возвращает каталог.
func (r *PostgresRepository) List(ctx context.Context, includeInactive bool) ([]*Reward, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE $1 OR is_active
		ORDER BY cost_points, id
	`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения каталога: %w", err)
	}
	defer rows.Close()

	var out []*Reward
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования награды: %w", err)
		}
		out = append(out, rw)
	}
	return out, rows.Err()
}

// ReserveStock: единственная точка сериализации по остатку.
// Проверка и уменьшение выполняются одним UPDATE, поэтому перепродать нельзя.
func (r *PostgresRepository) ReserveStock(ctx context.Context, id int64, quantity int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE rewards
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock IS NOT NULL AND stock >= $2
	`, id, quantity)
	if err != nil {
		return fmt.Errorf("ошибка резервирования остатка: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrOutOfStock
	}
	return nil
}

// ReleaseStock возвращает единицы на склад.
func (r *PostgresRepository) ReleaseStock(ctx context.Context, id int64, quantity int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE rewards
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1 AND stock IS NOT NULL
	`, id, quantity)
	if err != nil {
		return fmt.Errorf("ошибка возврата остатка: %w", err)
	}
	return nil
}

// Restock пополняет остаток.
func (r *PostgresRepository) Restock(ctx context.Context, id int64, delta int) (*Reward, error) {
	rw, err := scanReward(r.db.QueryRow(ctx, `
		UPDATE rewards
		SET stock = COALESCE(stock, 0) + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+rewardColumns, id, delta))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrRewardNotFound
		}
		return nil, fmt.Errorf("ошибка пополнения остатка: %w", err)
	}
	return rw, nil
}

// InsertRedemption записывает обмен и заполняет ID и CreatedAt.
func (r *PostgresRepository) InsertRedemption(ctx context.Context, rd *Redemption) error {
	meta := rd.Metadata
	if meta == nil {
		meta = common.Metadata{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных обмена: %w", err)
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO redemptions (user_id, reward_id, quantity, points_spent, transaction_id, metadata)
		VALUES ($1, $2, $3, $4, $5::uuid, $6)
		RETURNING id, created_at
	`, rd.UserID, rd.RewardID, rd.Quantity, rd.PointsSpent, rd.TransactionID, json.RawMessage(raw),
	).Scan(&rd.ID, &rd.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи обмена: %w", err)
	}
	return nil
}

// ListRedemptions возвращает последние обмены пользователя.
func (r *PostgresRepository) ListRedemptions(ctx context.Context, userID int64, limit int) ([]*Redemption, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, reward_id, quantity, points_spent, transaction_id::text, metadata, created_at
		FROM redemptions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения обменов: %w", err)
	}
	defer rows.Close()

	var out []*Redemption
	for rows.Next() {
		var rd Redemption
		var raw []byte
		if err := rows.Scan(
			&rd.ID, &rd.UserID, &rd.RewardID, &rd.Quantity, &rd.PointsSpent,
			&rd.TransactionID, &raw, &rd.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования обмена: %w", err)
		}
		rd.Metadata = common.Metadata{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rd.Metadata); err != nil {
				return nil, fmt.Errorf("ошибка разбора метаданных обмена: %w", err)
			}
		}
		out = append(out, &rd)
	}
	return out, rows.Err()
}

func scanReward(row pgx.Row) (*Reward, error) {
	var rw Reward
	err := row.Scan(
		&rw.ID, &rw.Title, &rw.Description, &rw.ImageURL, &rw.CostPoints,
		&rw.Stock, &rw.IsActive, &rw.CreatedAt, &rw.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rw, nil
}

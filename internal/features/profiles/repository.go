// Package profiles: repository.go выполняет операции с таблицей profiles.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
)

// errCodeTaken: сгенерированный код уже занят, нужно сгенерировать другой.
var errCodeTaken = errors.New("реферальный код уже занят")

// Repository: хранилище профилей.
type Repository interface {
	// Create создаёт профиль, если его ещё нет, и возвращает актуальную запись.
	Create(ctx context.Context, userID int64, code string) (*Profile, error)
	Get(ctx context.Context, userID int64) (*Profile, error)
	GetByCode(ctx context.Context, code string) (*Profile, error)
}

const profileColumns = `user_id, referral_code, referred_by, created_at, updated_at`

// PostgresRepository хранит профили в PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий профилей.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create вставляет профиль. Повторный вызов для того же пользователя возвращает
// существующий профиль со старым кодом.
func (r *PostgresRepository) Create(ctx context.Context, userID int64, code string) (*Profile, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO profiles (user_id, referral_code)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, code)
	if err != nil {
		if postgres.IsUniqueViolation(err, "profiles_referral_code_key") {
			return nil, errCodeTaken
		}
		return nil, fmt.Errorf("ошибка создания профиля: %w", err)
	}
	return r.Get(ctx, userID)
}

// Get возвращает профиль пользователя.
func (r *PostgresRepository) Get(ctx context.Context, userID int64) (*Profile, error) {
	return r.queryOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
}

// GetByCode возвращает владельца кода.
func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (*Profile, error) {
	p, err := r.queryOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE referral_code = $1`, code)
	if errors.Is(err, common.ErrProfileNotFound) {
		return nil, common.ErrCodeNotFound
	}
	return p, err
}

func (r *PostgresRepository) queryOne(ctx context.Context, query string, args ...any) (*Profile, error) {
	p, err := ScanProfile(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrProfileNotFound
		}
		return nil, fmt.Errorf("ошибка получения профиля: %w", err)
	}
	return p, nil
}

// ScanProfile читает строку profiles. Нужен реферальному репозиторию,
// который меняет профиль внутри своей транзакции.
func ScanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	if err := row.Scan(&p.UserID, &p.ReferralCode, &p.ReferredBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Columns возвращает список колонок для ScanProfile.
func Columns() string {
	return profileColumns
}

// MemoryRepository хранит профили в памяти процесса.
type MemoryRepository struct {
	mu     sync.Mutex
	byUser map[int64]*Profile
	byCode map[string]int64
}

// NewMemoryRepository создаёт пустое хранилище профилей.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byUser: make(map[int64]*Profile),
		byCode: make(map[string]int64),
	}
}

func (r *MemoryRepository) Create(_ context.Context, userID int64, code string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byUser[userID]; ok {
		return clone(p), nil
	}
	if _, taken := r.byCode[code]; taken {
		return nil, errCodeTaken
	}
	now := time.Now().UTC()
	p := &Profile{UserID: userID, ReferralCode: code, CreatedAt: now, UpdatedAt: now}
	r.byUser[userID] = p
	r.byCode[code] = userID
	return clone(p), nil
}

func (r *MemoryRepository) Get(_ context.Context, userID int64) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return nil, common.ErrProfileNotFound
	}
	return clone(p), nil
}

func (r *MemoryRepository) GetByCode(_ context.Context, code string) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.byCode[code]
	if !ok {
		return nil, common.ErrCodeNotFound
	}
	return clone(r.byUser[uid]), nil
}

// LinkReferrer проставляет referred_by, если он ещё пуст.
// Возвращает текущее значение и признак того, что ссылка поставлена этим вызовом.
func (r *MemoryRepository) LinkReferrer(userID, referrerID int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return 0, false, common.ErrProfileNotFound
	}
	if p.ReferredBy != nil {
		return *p.ReferredBy, false, nil
	}
	ref := referrerID
	p.ReferredBy = &ref
	p.UpdatedAt = time.Now().UTC()
	return referrerID, true, nil
}

func clone(p *Profile) *Profile {
	c := *p
	if p.ReferredBy != nil {
		v := *p.ReferredBy
		c.ReferredBy = &v
	}
	return &c
}

// Package admin: repository.go работает с таблицами admin_sessions и admin_login_attempts.
package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
)

// Repository: хранилище сессий и попыток входа.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetSessionByToken возвращает ErrSessionExpired, если токен неизвестен, отозван или истёк.
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	DeactivateSessions(ctx context.Context, userID int64) error
	TouchSession(ctx context.Context, id int64) error
	LogAttempt(ctx context.Context, userID int64, success bool) error
	// CountFailedAttempts считает неудачные попытки за последние period.
	CountFailedAttempts(ctx context.Context, userID int64, period time.Duration) (int, error)
}

// PostgresRepository работает с админ-таблицами.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSession создаёт новую сессию администратора.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *Session) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO admin_sessions (user_id, session_token, expires_at, is_active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, authenticated_at, last_activity
	`, s.UserID, s.Token, s.ExpiresAt).Scan(&s.ID, &s.AuthenticatedAt, &s.LastActivity)
	if err != nil {
		return fmt.Errorf("ошибка создания сессии: %w", err)
	}
	s.IsActive = true
	return nil
}

// GetSessionByToken возвращает действующую сессию по токену.
func (r *PostgresRepository) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, session_token, authenticated_at, expires_at, last_activity, is_active
		FROM admin_sessions
		WHERE session_token = $1 AND is_active = TRUE AND expires_at > NOW()
	`, token).Scan(
		&s.ID, &s.UserID, &s.Token, &s.AuthenticatedAt,
		&s.ExpiresAt, &s.LastActivity, &s.IsActive,
	)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, common.ErrSessionExpired
		}
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}
	return &s, nil
}

// DeactivateSessions отзывает все сессии пользователя.
func (r *PostgresRepository) DeactivateSessions(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE admin_sessions SET is_active = FALSE WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("ошибка отзыва сессий: %w", err)
	}
	return nil
}

// TouchSession обновляет время последней активности.
func (r *PostgresRepository) TouchSession(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE admin_sessions SET last_activity = NOW() WHERE id = $1`, id)
	return err
}

// LogAttempt записывает попытку входа.
func (r *PostgresRepository) LogAttempt(ctx context.Context, userID int64, success bool) error {
	_, err := r.db.Exec(ctx, `INSERT INTO admin_login_attempts (user_id, success) VALUES ($1, $2)`, userID, success)
	return err
}

// CountFailedAttempts возвращает количество неудачных попыток за указанный период.
func (r *PostgresRepository) CountFailedAttempts(ctx context.Context, userID int64, period time.Duration) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM admin_login_attempts
		WHERE user_id = $1 AND success = FALSE AND attempt_time >= $2
	`, userID, time.Now().Add(-period)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта попыток входа: %w", err)
	}
	return count, nil
}

// MemoryRepository хранит сессии в памяти процесса.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*Session
	attempts []LoginAttempt
	nextID   int64
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	now := time.Now()
	s.ID = r.nextID
	s.AuthenticatedAt, s.LastActivity = now, now
	s.IsActive = true
	c := *s
	r.sessions[s.Token] = &c
	return nil
}

func (r *MemoryRepository) GetSessionByToken(_ context.Context, token string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok || !s.Valid(time.Now()) {
		return nil, common.ErrSessionExpired
	}
	c := *s
	return &c, nil
}

func (r *MemoryRepository) DeactivateSessions(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.UserID == userID {
			s.IsActive = false
		}
	}
	return nil
}

func (r *MemoryRepository) TouchSession(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			s.LastActivity = time.Now()
		}
	}
	return nil
}

func (r *MemoryRepository) LogAttempt(_ context.Context, userID int64, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, LoginAttempt{
		ID:          int64(len(r.attempts) + 1),
		UserID:      userID,
		AttemptTime: time.Now(),
		Success:     success,
	})
	return nil
}

func (r *MemoryRepository) CountFailedAttempts(_ context.Context, userID int64, period time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := time.Now().Add(-period)
	count := 0
	for _, a := range r.attempts {
		if a.UserID == userID && !a.Success && !a.AttemptTime.Before(since) {
			count++
		}
	}
	return count, nil
}

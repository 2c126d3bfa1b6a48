// Package admin проверяет вход администраторов по паролю и ведёт их сессии.
// models.go описывает структуры сессий и попыток входа.
package admin

import "time"

// Session: активная сессия администратора. Токен передаётся в заголовке запросов админки.
type Session struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"userId"`
	Token           string    `db:"session_token" json:"token"`
	AuthenticatedAt time.Time `db:"authenticated_at" json:"authenticatedAt"`
	ExpiresAt       time.Time `db:"expires_at" json:"expiresAt"`
	LastActivity    time.Time `db:"last_activity" json:"lastActivity"`
	IsActive        bool      `db:"is_active" json:"isActive"`
}

// Valid сообщает, что сессией можно пользоваться в момент now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiresAt)
}

// LoginAttempt: попытка входа (для защиты от перебора).
type LoginAttempt struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	AttemptTime time.Time `db:"attempt_time"`
	Success     bool      `db:"success"`
}

// Ограничения входа
const (
	MaxFailedAttempts = 3
	FailedWindow      = time.Hour
	SessionTTL        = 24 * time.Hour
)

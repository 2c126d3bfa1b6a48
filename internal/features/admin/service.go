// Package admin: service.go содержит логику аутентификации и управления сессиями.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/config"
)

// Параметры Argon2id для новых хешей
const (
	argonMemory      uint32 = 64 * 1024 // 64 MB
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonKeyLength   uint32 = 32
	argonSaltLength         = 16
)

// Service управляет входом в админку.
type Service struct {
	repo Repository
	cfg  *config.Config
}

// NewService создаёт сервис админки.
func NewService(repo Repository, cfg *config.Config) *Service {
	return &Service{repo: repo, cfg: cfg}
}

// Login проверяет пароль администратора и открывает сессию на 24 часа.
// Защита от перебора: 3 неудачные попытки за час блокируют вход до конца окна.
func (s *Service) Login(ctx context.Context, userID int64, password string) (*Session, error) {
	if !s.cfg.IsAdmin(userID) {
		log.WithField("user_id", userID).Warn("Попытка входа в админку от не-администратора")
		return nil, common.ErrNotAdmin
	}

	failed, err := s.repo.CountFailedAttempts(ctx, userID, FailedWindow)
	if err != nil {
		return nil, err
	}
	if failed >= MaxFailedAttempts {
		return nil, common.ErrTooManyAttempts
	}

	match := verifyArgon2id(password, s.cfg.AdminPasswordHash)
	if err := s.repo.LogAttempt(ctx, userID, match); err != nil {
		log.WithError(err).Warn("Не удалось записать попытку входа")
	}
	if !match {
		log.WithFields(log.Fields{
			"user_id": userID,
			"failed":  failed + 1,
		}).Warn("Неверный пароль администратора")
		return nil, common.ErrWrongPassword
	}

	session := &Session{
		UserID:    userID,
		Token:     generateSecureToken(),
		ExpiresAt: time.Now().Add(SessionTTL),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	log.WithField("user_id", userID).Info("Администратор вошёл в админку")
	return session, nil
}

// Authenticate проверяет токен сессии. Администратор, которого убрали из ADMIN_IDS,
// теряет доступ сразу, даже с живой сессией.
func (s *Service) Authenticate(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, common.ErrSessionExpired
	}
	session, err := s.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !s.cfg.IsAdmin(session.UserID) {
		return nil, common.ErrNotAdmin
	}
	if err := s.repo.TouchSession(ctx, session.ID); err != nil {
		log.WithError(err).Debug("Не удалось обновить активность сессии")
	}
	return session, nil
}

// Logout отзывает все сессии администратора.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	return s.repo.DeactivateSessions(ctx, userID)
}

// --- Криптографические утилиты ---

// HashPassword считает хеш Argon2id в формате, который понимает Login.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("ошибка генерации соли: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyArgon2id проверяет пароль по хешу Argon2id.
// Формат хеша: $argon2id$v=19$m=65536,t=3,p=2$<salt_base64>$<hash_base64>
func verifyArgon2id(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Некорректный формат хеша Argon2id")
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Ошибка парсинга параметров Argon2id")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования соли")
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования хеша")
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	// Сравнение в постоянном времени
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// generateSecureToken генерирует криптографически безопасный токен сессии.
func generateSecureToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}

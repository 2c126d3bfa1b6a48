// Package profiles: service.go выдаёт профили и реферальные коды.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// Сколько раз пробуем сгенерировать свободный код
const codeAttempts = 5

// Service управляет профилями.
type Service struct {
	repo Repository
}

// NewService создаёт сервис профилей.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// EnsureProfile гарантирует, что у пользователя есть профиль и реферальный код.
// Повторный вызов возвращает тот же код.
func (s *Service) EnsureProfile(ctx context.Context, userID int64) (*Profile, error) {
	p, err := s.repo.Get(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, common.ErrProfileNotFound) {
		return nil, err
	}

	for i := 0; i < codeAttempts; i++ {
		p, err = s.repo.Create(ctx, userID, NewReferralCode())
		if errors.Is(err, errCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"user_id": userID,
			"code":    p.ReferralCode,
		}).Info("Профиль создан")
		return p, nil
	}
	return nil, fmt.Errorf("не удалось подобрать свободный реферальный код за %d попыток", codeAttempts)
}

// GetProfile возвращает профиль без создания.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	return s.repo.Get(ctx, userID)
}

// ResolveCode возвращает владельца реферального кода.
func (s *Service) ResolveCode(ctx context.Context, code string) (*Profile, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, common.ErrCodeNotFound
	}
	return s.repo.GetByCode(ctx, code)
}

// NewReferralCode генерирует код из 8 символов: первые 4 байта UUID в верхнем регистре.
func NewReferralCode() string {
	id := uuid.New()
	return strings.ToUpper(fmt.Sprintf("%x", id[:4]))
}

// NormalizeCode приводит введённый пользователем код к виду из базы.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

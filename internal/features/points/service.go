// Package points: service.go содержит движок начисления баллов.
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

// Service начисляет баллы по таблице правил.
type Service struct {
	repo    Repository
	wallets *wallet.Service
	cache   *ruleCache
}

// NewService создаёт движок баллов. До первого Refresh таблица правил пуста.
func NewService(repo Repository, wallets *wallet.Service) *Service {
	return &Service{
		repo:    repo,
		wallets: wallets,
		cache:   newRuleCache(),
	}
}

// AwardPoints начисляет баллы за действие.
//
// Порядок: правило (из одного снимка) → зачисление на кошелёк → запись события.
// Если зачисление не прошло (например, кошелёк заблокирован), событие не пишется.
// Неизвестное или выключенное правило даёт событие с нулём баллов.
//
// С непустым referenceID начисление идемпотентно по (userID, action, referenceID):
// повтор возвращает уже записанное событие и ErrAlreadyAwarded. Зачисление идёт
// с ключом идемпотентности, поэтому сбой между зачислением и записью события
// при повторе сходится к одной транзакции.
//
// overridePoints учитывается только для admin_adjustment; отрицательное значение списывает баллы.
func (s *Service) AwardPoints(ctx context.Context, userID int64, action, referenceID string, overridePoints *int64) (*Event, error) {
	action = strings.TrimSpace(action)
	referenceID = strings.TrimSpace(referenceID)
	if action == "" {
		return nil, common.ErrUnknownAction
	}

	if referenceID != "" {
		existing, err := s.repo.FindEvent(ctx, userID, action, referenceID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, common.ErrAlreadyAwarded
		}
	}

	book := s.cache.snapshot()
	var amount, ruleVersion int64
	if action == ActionAdminAdjustment {
		if overridePoints == nil {
			return nil, fmt.Errorf("для %s нужно указать количество баллов: %w", action, common.ErrInvalidAmount)
		}
		amount = *overridePoints
	} else {
		amount, ruleVersion = book.PointsFor(action)
		if amount < 0 {
			// Правило из старой таблицы или ручной правки базы: списывать по правилу нельзя
			log.WithFields(log.Fields{
				"action":  action,
				"points":  amount,
				"version": ruleVersion,
			}).Error("Отрицательное правило начисления проигнорировано")
			amount = 0
		}
	}

	ev := &Event{
		UserID:        userID,
		Action:        action,
		PointsAwarded: amount,
		ReferenceID:   referenceID,
		RuleVersion:   ruleVersion,
	}

	if amount != 0 {
		txID, err := s.moveBalance(ctx, userID, action, referenceID, amount)
		if err != nil {
			return nil, err
		}
		ev.TransactionID = &txID
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, common.ErrAlreadyAwarded) {
			// Параллельный запрос успел первым; зачисление было одно благодаря ключу
			existing, findErr := s.repo.FindEvent(ctx, userID, action, referenceID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, common.ErrAlreadyAwarded
		}
		log.WithError(err).WithFields(log.Fields{
			"user_id": userID,
			"action":  action,
			"ref":     referenceID,
		}).Error("Баллы зачислены, но событие не записано")
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id": userID,
		"action":  action,
		"ref":     referenceID,
		"points":  amount,
		"version": ruleVersion,
	}).Info("Баллы начислены")
	return ev, nil
}

// moveBalance зачисляет (или для admin_adjustment списывает) баллы и возвращает ID транзакции.
func (s *Service) moveBalance(ctx context.Context, userID int64, action, referenceID string, amount int64) (string, error) {
	meta := common.Metadata{
		common.MetaReason: "points:" + action,
		common.MetaAction: action,
	}
	key := ""
	if referenceID != "" {
		meta[common.MetaReferenceID] = referenceID
		key = AwardKey(action, userID, referenceID)
	}

	var tx *wallet.Transaction
	var err error
	if amount < 0 && action != ActionAdminAdjustment {
		return "", fmt.Errorf("%w: %s = %d", common.ErrNegativeRulePoints, action, amount)
	}
	if amount > 0 {
		tx, err = s.wallets.CreditWithKey(ctx, userID, amount, meta, key)
	} else {
		tx, err = s.wallets.DebitWithKey(ctx, userID, -amount, meta, key)
	}
	if errors.Is(err, common.ErrDuplicateTransaction) {
		// Зачисление прошло в прошлой попытке, событие тогда не записалось
		tx, err = s.wallets.FindByKey(ctx, key)
		if err != nil {
			return "", fmt.Errorf("не найдена ранее проведённая транзакция %s: %w", key, err)
		}
		log.WithFields(log.Fields{"user_id": userID, "key": key}).Warn("Повтор начисления, используем прежнюю транзакцию")
		return tx.ID, nil
	}
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// UpsertRule создаёт или меняет правило от имени администратора и сразу обновляет снимок.
func (s *Service) UpsertRule(ctx context.Context, rule Rule, adminID int64) (*Rule, error) {
	rule.Action = strings.TrimSpace(rule.Action)
	if rule.Action == "" {
		return nil, common.ErrUnknownAction
	}
	if rule.Points < 0 {
		return nil, fmt.Errorf("%w: %s = %d", common.ErrNegativeRulePoints, rule.Action, rule.Points)
	}
	rule.UpdatedBy = &adminID

	saved, err := s.repo.UpsertRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	if err := s.Refresh(ctx); err != nil {
		log.WithError(err).Warn("Правило сохранено, но снимок не обновлён")
	}

	log.WithFields(log.Fields{
		"action":   saved.Action,
		"points":   saved.Points,
		"active":   saved.IsActive,
		"version":  saved.Version,
		"admin_id": adminID,
	}).Info("Правило начисления изменено")
	return saved, nil
}

// Refresh перечитывает правила из хранилища.
func (s *Service) Refresh(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return err
	}
	next := NewRuleBook(rules)
	prev := s.cache.snapshot().Version()
	if s.cache.replace(next) && next.Version() != prev {
		log.WithFields(log.Fields{
			"version": next.Version(),
			"rules":   len(rules),
		}).Info("Таблица правил обновлена")
	}
	return nil
}

// Seed заполняет пустую таблицу правил из YAML и загружает снимок.
func (s *Service) Seed(ctx context.Context, path string) error {
	rules, err := LoadSeedFile(path)
	if err != nil {
		return err
	}
	n, err := s.repo.SeedRules(ctx, rules)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("rules", n).Info("Таблица правил заполнена из файла")
	}
	return s.Refresh(ctx)
}

// RuleBook возвращает текущий снимок правил.
func (s *Service) RuleBook() *RuleBook {
	return s.cache.snapshot()
}

// ListRules возвращает правила из хранилища.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	return s.repo.ListRules(ctx)
}

// ListPointEvents возвращает историю начислений от новых к старым.
func (s *Service) ListPointEvents(ctx context.Context, userID int64, limit int) ([]*Event, error) {
	return s.repo.ListEvents(ctx, userID, wallet.ClampLimit(limit))
}

// AwardKey возвращает ключ идемпотентности зачисления баллов.
func AwardKey(action string, userID int64, referenceID string) string {
	return fmt.Sprintf("points:%s:%d:%s", action, userID, referenceID)
}

// Package wallet: service.go содержит бизнес-логику кошелька.
// Service единственный, кто меняет баланс: баллы, награды, рефералы и покупки
// ходят в кошелёк только через него.
package wallet

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// Лимиты выдачи истории
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Notifier получает событие после каждой успешной операции.
// Ошибка доставки только логируется: проведённая транзакция не откатывается.
type Notifier interface {
	NotifyTransaction(ctx context.Context, ev Event) error
}

// Service управляет кошельками.
type Service struct {
	repo     Repository
	notifier Notifier // Может быть nil
	currency string
}

// NewService создаёт сервис кошельков. notifier может быть nil.
func NewService(repo Repository, notifier Notifier, currency string) *Service {
	return &Service{repo: repo, notifier: notifier, currency: currency}
}

// Currency возвращает валюту новых кошельков.
func (s *Service) Currency() string {
	return s.currency
}

// GetOrCreate возвращает кошелёк пользователя, создавая его при первом обращении.
func (s *Service) GetOrCreate(ctx context.Context, userID int64) (*Wallet, error) {
	return s.repo.GetOrCreate(ctx, userID, s.currency)
}

// Get возвращает кошелёк без создания.
func (s *Service) Get(ctx context.Context, userID int64) (*Wallet, error) {
	return s.repo.Get(ctx, userID)
}

// Credit зачисляет amountCents (> 0) на кошелёк.
func (s *Service) Credit(ctx context.Context, userID, amountCents int64, meta common.Metadata) (*Transaction, error) {
	return s.CreditWithKey(ctx, userID, amountCents, meta, "")
}

// Debit списывает amountCents (> 0) с кошелька.
func (s *Service) Debit(ctx context.Context, userID, amountCents int64, meta common.Metadata) (*Transaction, error) {
	return s.DebitWithKey(ctx, userID, amountCents, meta, "")
}

// CreditWithKey зачисляет средства с ключом идемпотентности.
// Повтор с тем же ключом возвращает ErrDuplicateTransaction; исходную запись
// можно получить через FindByKey.
func (s *Service) CreditWithKey(ctx context.Context, userID, amountCents int64, meta common.Metadata, key string) (*Transaction, error) {
	if amountCents <= 0 {
		return nil, common.ErrInvalidAmount
	}
	return s.apply(ctx, Entry{UserID: userID, AmountCents: amountCents, Metadata: meta, IdempotencyKey: key})
}

// DebitWithKey списывает средства с ключом идемпотентности.
func (s *Service) DebitWithKey(ctx context.Context, userID, amountCents int64, meta common.Metadata, key string) (*Transaction, error) {
	if amountCents <= 0 {
		return nil, common.ErrInvalidAmount
	}
	return s.apply(ctx, Entry{UserID: userID, AmountCents: -amountCents, Metadata: meta, IdempotencyKey: key})
}

// TopUp зачисляет подтверждённый внешний платёж.
// Повторная доставка того же подтверждения (тот же externalRef) отклоняется с ErrDuplicateTopUp.
func (s *Service) TopUp(ctx context.Context, userID, amountCents int64, externalRef string) (*Transaction, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, common.ErrMissingExternalRef
	}
	meta := common.Metadata{
		common.MetaReason:      "topup",
		common.MetaExternalRef: externalRef,
	}
	tx, err := s.CreditWithKey(ctx, userID, amountCents, meta, TopUpKey(externalRef))
	if errors.Is(err, common.ErrDuplicateTransaction) {
		log.WithFields(log.Fields{
			"user_id":      userID,
			"external_ref": externalRef,
		}).Warn("Повторная доставка пополнения отклонена")
		return nil, common.ErrDuplicateTopUp
	}
	return tx, err
}

// SetStatus блокирует или разблокирует кошелёк. Баланс и журнал не меняются.
func (s *Service) SetStatus(ctx context.Context, userID int64, status Status) (*Wallet, error) {
	if !status.Valid() {
		return nil, common.ErrInvalidStatus
	}
	if _, err := s.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}
	w, err := s.repo.SetStatus(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"user_id": userID,
		"status":  status,
	}).Warn("Статус кошелька изменён")
	return w, nil
}

// ListTransactions возвращает историю от новых к старым.
// beforeSeq > 0: только записи старше этой (постраничная выдача).
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit int, beforeSeq int64) ([]*Transaction, error) {
	return s.repo.ListTransactions(ctx, userID, ClampLimit(limit), beforeSeq)
}

// FindByKey возвращает транзакцию, ранее проведённую с этим ключом.
func (s *Service) FindByKey(ctx context.Context, key string) (*Transaction, error) {
	return s.repo.FindByIdempotencyKey(ctx, key)
}

// Reconcile сверяет баланс кошелька с суммой журнала.
func (s *Service) Reconcile(ctx context.Context, userID int64) (*Reconciliation, error) {
	return s.repo.Reconcile(ctx, userID)
}

// ReconcileAll сверяет все кошельки и возвращает расхождения.
// Ошибка сверки одного кошелька не останавливает остальные.
func (s *Service) ReconcileAll(ctx context.Context) ([]*Reconciliation, error) {
	ids, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drift []*Reconciliation
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drift, err
		}
		rec, err := s.repo.Reconcile(ctx, id)
		if err != nil {
			log.WithError(err).WithField("user_id", id).Error("Ошибка сверки кошелька")
			continue
		}
		if !rec.OK {
			log.WithFields(log.Fields{
				"user_id":       rec.UserID,
				"balance":       rec.BalanceCents,
				"ledger_sum":    rec.LedgerSumCents,
				"broken_at_seq": rec.BrokenAtSeq,
			}).Error("Баланс кошелька расходится с журналом")
			drift = append(drift, rec)
		}
	}

	log.WithFields(log.Fields{
		"wallets": len(ids),
		"drift":   len(drift),
	}).Info("Сверка кошельков завершена")
	return drift, nil
}

// apply проводит запись, создавая кошелёк при первом обращении.
func (s *Service) apply(ctx context.Context, e Entry) (*Transaction, error) {
	tx, err := s.repo.Apply(ctx, e)
	if errors.Is(err, common.ErrWalletNotFound) {
		if _, err := s.GetOrCreate(ctx, e.UserID); err != nil {
			return nil, err
		}
		tx, err = s.repo.Apply(ctx, e)
	}
	if err != nil {
		if !common.IsClientError(err) && !errors.Is(err, common.ErrDuplicateTransaction) &&
			!errors.Is(err, common.ErrWalletLocked) {
			log.WithError(err).WithField("user_id", e.UserID).Error("Ошибка проведения транзакции")
		}
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id": tx.UserID,
		"tx_id":   tx.ID,
		"seq":     tx.Seq,
		"amount":  tx.AmountCents,
		"balance": tx.BalanceAfterCents,
		"reason":  tx.Metadata.Reason(),
	}).Info("Транзакция проведена")

	s.notify(ctx, tx)
	return tx, nil
}

func (s *Service) notify(ctx context.Context, tx *Transaction) {
	if s.notifier == nil {
		return
	}
	ev := Event{
		UserID:            tx.UserID,
		Type:              tx.Type,
		AmountCents:       tx.AmountCents,
		BalanceAfterCents: tx.BalanceAfterCents,
		Currency:          s.currency,
		Metadata:          tx.Metadata,
	}
	// Уведомление уже после фиксации: отмена запроса не должна его терять
	if err := s.notifier.NotifyTransaction(context.WithoutCancel(ctx), ev); err != nil {
		log.WithError(err).WithField("user_id", tx.UserID).Warn("Не удалось отправить уведомление о транзакции")
	}
}

// TopUpKey возвращает ключ идемпотентности пополнения.
func TopUpKey(externalRef string) string {
	return "topup:" + externalRef
}

// ClampLimit приводит размер страницы истории к допустимому диапазону.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

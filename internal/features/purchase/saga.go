// Package purchase: saga.go ведёт попытку покупки от списания до выдачи или возврата.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

// Fulfiller выдаёт оплаченный товар.
//
// Fulfill возвращает ErrFulfillmentConflict, если товар уже выдан другим запросом:
// такую ошибку не повторяем, сразу возвращаем деньги. Остальные ошибки считаются
// временными и повторяются без повторного списания.
type Fulfiller interface {
	Fulfill(ctx context.Context, a *Attempt) (any, error)
	// IsFulfilled сообщает, что товар выдан именно этой попыткой.
	IsFulfilled(ctx context.Context, a *Attempt) (any, bool, error)
}

// Alerter доставляет срочные сообщения администраторам.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Options: политика повторов.
type Options struct {
	FulfillmentRetries  int
	CompensationRetries int
	RetryDelay          time.Duration
}

// Coordinator проводит саги покупок.
type Coordinator struct {
	repo      Repository
	wallets   *wallet.Service
	fulfiller Fulfiller
	alerter   Alerter
	opts      Options
}

// NewCoordinator создаёт координатор. alerter может быть nil: тогда сбои только логируются.
func NewCoordinator(repo Repository, wallets *wallet.Service, fulfiller Fulfiller, alerter Alerter, opts Options) *Coordinator {
	if opts.FulfillmentRetries < 0 {
		opts.FulfillmentRetries = 0
	}
	if opts.CompensationRetries < 0 {
		opts.CompensationRetries = 0
	}
	return &Coordinator{
		repo:      repo,
		wallets:   wallets,
		fulfiller: fulfiller,
		alerter:   alerter,
		opts:      opts,
	}
}

// Run списывает amountCents и выдаёт товар productRef.
//
// Ошибки по итогам:
//   - Aborted: ошибка списания (ErrInsufficientFunds, ErrWalletLocked), побочных эффектов нет;
//   - Compensated: ErrPurchaseFailed, деньги возвращены;
//   - FatallyInconsistent: *common.CompensationFailedError, записана отметка для ручного разбора;
//   - Fulfilled: nil.
//
// После успешного списания сага доводится до конца, даже если ctx вызывающего отменён.
func (c *Coordinator) Run(ctx context.Context, userID int64, productRef string, amountCents int64, meta common.Metadata) (*Outcome, error) {
	if amountCents <= 0 {
		return nil, common.ErrInvalidAmount
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	a := &Attempt{
		ID:          uuid.New().String(),
		UserID:      userID,
		ProductRef:  productRef,
		AmountCents: amountCents,
		State:       StatePending,
		Metadata:    meta,
	}
	if err := c.repo.Create(ctx, a); err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"attempt_id": a.ID,
		"user_id":    userID,
		"product":    productRef,
		"amount":     amountCents,
	})

	debitMeta := meta.With(common.MetaReason, "purchase").
		With(common.MetaAttemptID, a.ID).
		With(common.MetaReferenceID, productRef)
	tx, err := c.wallets.DebitWithKey(ctx, userID, amountCents, debitMeta, DebitKey(a.ID))
	bg := context.WithoutCancel(ctx)
	if err != nil {
		var lookupErr error
		tx, lookupErr = c.lookupDebit(bg, a.ID, err)
		if lookupErr != nil {
			// Неизвестно, прошло ли списание. Попытка остаётся в PENDING, её разберёт Recover.
			logger.WithError(err).WithField("lookup_error", lookupErr.Error()).
				Error("Не удалось проверить списание, попытка оставлена для восстановления")
			return nil, fmt.Errorf("состояние списания покупки %s неизвестно: %w", a.ID, lookupErr)
		}
	}
	if tx == nil {
		a = c.abort(bg, a, err)
		logger.WithError(err).Debug("Покупка прервана на списании")
		return &Outcome{Kind: OutcomeAborted, Attempt: a}, err
	}

	debitID := tx.ID
	a, err = c.repo.Transition(bg, a.ID, []State{StatePending}, StateDebited, Update{DebitTxID: &debitID})
	if err != nil {
		// Деньги списаны, состояние не записано. Recover найдёт списание по ключу.
		logger.WithError(err).Error("Не удалось записать переход в DEBITED")
		return nil, fmt.Errorf("ошибка записи состояния покупки: %w", err)
	}

	return c.fulfillOrCompensate(bg, a)
}

// lookupDebit отличает отказ в списании от обрыва: если ошибка не клиентская,
// проверяем по ключу, не прошло ли списание на самом деле.
// (nil, nil): списания точно не было. Ошибка: проверить не удалось.
func (c *Coordinator) lookupDebit(ctx context.Context, attemptID string, cause error) (*wallet.Transaction, error) {
	if common.IsClientError(cause) || errors.Is(cause, common.ErrWalletLocked) {
		return nil, nil
	}
	tx, err := c.wallets.FindByKey(ctx, DebitKey(attemptID))
	if err != nil {
		if wallet.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func (c *Coordinator) abort(ctx context.Context, a *Attempt, cause error) *Attempt {
	updated, err := c.repo.Transition(ctx, a.ID, []State{StatePending}, StateAborted, Update{LastError: errText(cause)})
	if err != nil {
		log.WithError(err).WithField("attempt_id", a.ID).Warn("Не удалось записать переход в ABORTED")
		return a
	}
	return updated
}

// fulfillOrCompensate выдаёт товар с повторами временных ошибок, иначе возвращает деньги.
func (c *Coordinator) fulfillOrCompensate(ctx context.Context, a *Attempt) (*Outcome, error) {
	var lastErr error
	for i := 0; i <= c.opts.FulfillmentRetries; i++ {
		if i > 0 {
			c.pause(i)
		}
		receipt, err := c.fulfiller.Fulfill(ctx, a)
		if err == nil {
			return c.finish(ctx, a, receipt), nil
		}
		lastErr = err
		if errors.Is(err, common.ErrFulfillmentConflict) || errors.Is(err, common.ErrInvalidProduct) {
			break
		}
		log.WithError(err).WithFields(log.Fields{
			"attempt_id": a.ID,
			"try":        i + 1,
		}).Warn("Временная ошибка выдачи товара")
	}
	return c.compensate(ctx, a, lastErr)
}

func (c *Coordinator) finish(ctx context.Context, a *Attempt, receipt any) *Outcome {
	updated, err := c.repo.Transition(ctx, a.ID, []State{StateDebited}, StateFulfilled, Update{})
	if err != nil {
		// Товар выдан и оплачен, сага согласована. Recover допишет состояние.
		log.WithError(err).WithField("attempt_id", a.ID).Warn("Не удалось записать переход в FULFILLED")
		updated = a
	}
	log.WithFields(log.Fields{
		"attempt_id": a.ID,
		"user_id":    a.UserID,
		"amount":     a.AmountCents,
	}).Info("Покупка завершена")
	return &Outcome{Kind: OutcomeFulfilled, Attempt: updated, Fulfillment: receipt}
}

// compensate возвращает списанное. Ключ возврата один на попытку, повтор не вернёт деньги дважды.
func (c *Coordinator) compensate(ctx context.Context, a *Attempt, cause error) (*Outcome, error) {
	a, err := c.repo.Transition(ctx, a.ID, []State{StateDebited, StateCompensating}, StateCompensating,
		Update{LastError: errText(cause)})
	if err != nil {
		return nil, fmt.Errorf("ошибка перехода в COMPENSATING: %w", err)
	}

	meta := common.Metadata{
		common.MetaReason:      "refund",
		common.MetaAttemptID:   a.ID,
		common.MetaReferenceID: a.ProductRef,
	}
	if a.DebitTxID != nil {
		meta[common.MetaRefundOf] = *a.DebitTxID
	}

	var refundErr error
	for i := 0; i <= c.opts.CompensationRetries; i++ {
		if i > 0 {
			c.pause(i)
		}
		var tx *wallet.Transaction
		tx, refundErr = c.wallets.CreditWithKey(ctx, a.UserID, a.AmountCents, meta, RefundKey(a.ID))
		if errors.Is(refundErr, common.ErrDuplicateTransaction) {
			tx, refundErr = c.wallets.FindByKey(ctx, RefundKey(a.ID))
		}
		if refundErr == nil {
			return c.reversed(ctx, a, tx.ID, cause)
		}
		log.WithError(refundErr).WithFields(log.Fields{
			"attempt_id": a.ID,
			"try":        i + 1,
		}).Warn("Возврат средств не прошёл")
	}
	return c.stuck(ctx, a, refundErr)
}

func (c *Coordinator) reversed(ctx context.Context, a *Attempt, refundTxID string, cause error) (*Outcome, error) {
	updated, err := c.repo.Transition(ctx, a.ID, []State{StateCompensating}, StateReversed, Update{RefundTxID: &refundTxID})
	if err != nil {
		log.WithError(err).WithField("attempt_id", a.ID).Warn("Не удалось записать переход в REVERSED")
		updated = a
	}
	log.WithFields(log.Fields{
		"attempt_id": a.ID,
		"user_id":    a.UserID,
		"amount":     a.AmountCents,
		"cause":      errText(cause),
	}).Info("Покупка отменена, средства возвращены")
	return &Outcome{Kind: OutcomeCompensated, Attempt: updated}, fmt.Errorf("%w: %s", common.ErrPurchaseFailed, errText(cause))
}

// stuck фиксирует деньги, которые не удалось вернуть: отметка в базе, лог уровня Error, алерт.
func (c *Coordinator) stuck(ctx context.Context, a *Attempt, cause error) (*Outcome, error) {
	failErr := &common.CompensationFailedError{
		AttemptID:   a.ID,
		UserID:      a.UserID,
		AmountCents: a.AmountCents,
		Cause:       cause,
	}

	updated, err := c.repo.Transition(ctx, a.ID, []State{StateCompensating}, StateStuck, Update{LastError: errText(cause)})
	if err != nil {
		log.WithError(err).WithField("attempt_id", a.ID).Error("Не удалось записать переход в STUCK")
		updated = a
	}

	c.recordFailure(ctx, FailureSourcePurchase, failErr)
	return &Outcome{Kind: OutcomeFatallyInconsistent, Attempt: updated}, failErr
}

// RecordCompensationFailure фиксирует невозвращённое списание вне саги (например, при обмене наград):
// отметка в базе, лог уровня Error, алерт. Отметка попадает в общий список и напоминания.
func (c *Coordinator) RecordCompensationFailure(ctx context.Context, source string, failure *common.CompensationFailedError) {
	c.recordFailure(ctx, source, failure)
}

func (c *Coordinator) recordFailure(ctx context.Context, source string, failure *common.CompensationFailedError) {
	_, err := c.repo.InsertFailure(ctx, &CompensationFailure{
		Source:      source,
		AttemptID:   failure.AttemptID,
		UserID:      failure.UserID,
		AmountCents: failure.AmountCents,
		Error:       errText(failure.Cause),
	})
	if err != nil {
		log.WithError(err).WithField("attempt_id", failure.AttemptID).Error("Не удалось записать отметку о сбое компенсации")
	}

	log.WithError(failure.Cause).WithFields(log.Fields{
		"attempt_id": failure.AttemptID,
		"source":     source,
		"user_id":    failure.UserID,
		"amount":     failure.AmountCents,
		"alert":      true,
	}).Error("Компенсация не удалась: средства списаны, товар не выдан")

	c.alert(ctx, fmt.Sprintf("🚨 Компенсация не удалась\nИсточник: %s\nПопытка: %s\nПользователь: %d\nСумма: %s\nОшибка: %s",
		source, failure.AttemptID, failure.UserID, common.FormatMoney(failure.AmountCents, c.wallets.Currency()), errText(failure.Cause)))
}

// Recover доводит до конца попытки, застрявшие после падения процесса.
// Трогает только попытки, не менявшиеся дольше olderThan.
func (c *Coordinator) Recover(ctx context.Context, olderThan time.Duration) (*RecoveryReport, error) {
	stale, err := c.repo.ListStale(ctx, []State{StatePending, StateDebited, StateCompensating}, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{Scanned: len(stale)}
	for _, a := range stale {
		kind, err := c.recoverOne(ctx, a)
		switch {
		case errors.Is(err, errStaleState):
			report.Skipped++
			continue
		case kind == "" && err != nil:
			report.Skipped++
			log.WithError(err).WithField("attempt_id", a.ID).Warn("Не удалось восстановить попытку")
			continue
		}
		switch kind {
		case OutcomeFulfilled:
			report.Fulfilled++
		case OutcomeCompensated:
			report.Compensated++
		case OutcomeAborted:
			report.Aborted++
		case OutcomeFatallyInconsistent:
			report.Stuck++
		}
	}

	if report.Scanned > 0 {
		log.WithFields(log.Fields{
			"scanned":     report.Scanned,
			"fulfilled":   report.Fulfilled,
			"compensated": report.Compensated,
			"aborted":     report.Aborted,
			"stuck":       report.Stuck,
			"skipped":     report.Skipped,
		}).Info("Восстановление покупок завершено")
	}
	return report, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, a *Attempt) (OutcomeKind, error) {
	var err error
	if a.State == StatePending {
		tx, findErr := c.wallets.FindByKey(ctx, DebitKey(a.ID))
		if findErr != nil {
			if !wallet.IsNotFound(findErr) {
				return "", findErr
			}
			if _, err = c.repo.Transition(ctx, a.ID, []State{StatePending}, StateAborted,
				Update{LastError: "восстановление: списания не было"}); err != nil {
				return "", err
			}
			return OutcomeAborted, nil
		}
		debitID := tx.ID
		if a, err = c.repo.Transition(ctx, a.ID, []State{StatePending}, StateDebited, Update{DebitTxID: &debitID}); err != nil {
			return "", err
		}
	}

	if a.State == StateDebited {
		receipt, ok, err := c.fulfiller.IsFulfilled(ctx, a)
		if err != nil {
			return "", err
		}
		if ok {
			return c.finish(ctx, a, receipt).Kind, nil
		}
	}

	out, err := c.compensate(ctx, a, errors.New("восстановление: товар не выдан"))
	if out == nil {
		return "", err
	}
	return out.Kind, err
}

// RetryCompensation повторяет возврат по застрявшей попытке. При успехе отметка закрывается.
func (c *Coordinator) RetryCompensation(ctx context.Context, attemptID string, adminID int64) (*Outcome, error) {
	if f, err := c.repo.FailureByAttempt(ctx, attemptID); err == nil && f.Source != FailureSourcePurchase {
		// Сбой обмена наград разбирается вручную через ResolveCompensationFailure
		return nil, fmt.Errorf("%w: %s", common.ErrAttemptNotStuck, attemptID)
	}
	a, err := c.repo.Transition(ctx, attemptID, []State{StateStuck}, StateCompensating, Update{})
	if err != nil {
		if errors.Is(err, errStaleState) {
			return nil, fmt.Errorf("%w: %s", common.ErrAttemptNotStuck, attemptID)
		}
		return nil, err
	}

	out, err := c.compensate(ctx, a, errors.New("повторный возврат администратором"))
	if out == nil || out.Kind != OutcomeCompensated {
		return out, err
	}

	f, ferr := c.repo.FailureByAttempt(ctx, attemptID)
	if ferr == nil {
		if _, ferr = c.repo.ResolveFailure(ctx, f.ID, adminID, "возврат проведён повторно"); ferr != nil {
			log.WithError(ferr).WithField("attempt_id", attemptID).Warn("Не удалось закрыть отметку о сбое")
		}
	}
	return out, nil
}

// ResolveCompensationFailure закрывает отметку после ручного разбора.
func (c *Coordinator) ResolveCompensationFailure(ctx context.Context, failureID, adminID int64, note string) (*CompensationFailure, error) {
	f, err := c.repo.ResolveFailure(ctx, failureID, adminID, note)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"failure_id": failureID,
		"attempt_id": f.AttemptID,
		"admin_id":   adminID,
	}).Warn("Сбой компенсации отмечен как разобранный")
	return f, nil
}

// ListCompensationFailures возвращает отметки о сбоях.
func (c *Coordinator) ListCompensationFailures(ctx context.Context, unresolvedOnly bool) ([]*CompensationFailure, error) {
	return c.repo.ListFailures(ctx, unresolvedOnly)
}

// RemindUnresolved повторяет алерт, пока есть неразобранные сбои. Возвращает их число.
func (c *Coordinator) RemindUnresolved(ctx context.Context) (int, error) {
	open, err := c.repo.ListFailures(ctx, true)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}

	var total int64
	oldest := open[0].CreatedAt
	for _, f := range open {
		total += f.AmountCents
		if f.CreatedAt.Before(oldest) {
			oldest = f.CreatedAt
		}
	}
	c.alert(ctx, fmt.Sprintf("⚠️ Неразобранных сбоев компенсации: %d\nСумма: %s\nСамый старый: %s",
		len(open), common.FormatMoney(total, c.wallets.Currency()), common.FormatDateTime(oldest)))
	return len(open), nil
}

// GetAttempt возвращает попытку по ID.
func (c *Coordinator) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	return c.repo.Get(ctx, id)
}

// ListAttempts возвращает попытки пользователя от новых к старым.
func (c *Coordinator) ListAttempts(ctx context.Context, userID int64, limit int) ([]*Attempt, error) {
	return c.repo.ListByUser(ctx, userID, wallet.ClampLimit(limit))
}

func (c *Coordinator) alert(ctx context.Context, text string) {
	if c.alerter == nil {
		return
	}
	if err := c.alerter.Alert(ctx, text); err != nil {
		log.WithError(err).Error("Не удалось отправить алерт администраторам")
	}
}

func (c *Coordinator) pause(try int) {
	if c.opts.RetryDelay > 0 {
		time.Sleep(time.Duration(try) * c.opts.RetryDelay)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

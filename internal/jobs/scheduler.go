// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: ночная сверка кошельков с журналом,
// восстановление зависших покупок, обновление правил начисления
// и напоминания о несписанных сбоях компенсации.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
	"serotonyl.ru/wellness-ledger/internal/features/referral"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

// Расписание задач (часовой пояс APP_TIMEZONE).
const (
	SpecReconcile  = "0 3 * * *"    // Ночная сверка
	SpecRecover    = "*/5 * * * *"  // Восстановление саги
	SpecRules      = "* * * * *"    // Обновление снимка правил
	SpecRemind     = "0 * * * *"    // Напоминание о застрявших деньгах
	SpecMilestones = "*/15 * * * *" // Недовыданные реферальные награды
)

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron        *cron.Cron
	wallets     *wallet.Service
	points      *points.Service
	saga        *purchase.Coordinator
	referrals   *referral.Service
	recoveryAge time.Duration
}

// NewScheduler создаёт планировщик в часовом поясе приложения.
func NewScheduler(
	wallets *wallet.Service,
	pointsSvc *points.Service,
	saga *purchase.Coordinator,
	referrals *referral.Service,
	recoveryAge time.Duration,
) *Scheduler {
	c := cron.New(
		cron.WithLocation(common.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:        c,
		wallets:     wallets,
		points:      pointsSvc,
		saga:        saga,
		referrals:   referrals,
		recoveryAge: recoveryAge,
	}
}

// Start регистрирует и запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		fn   func(context.Context)
	}{
		{SpecReconcile, s.reconcile},
		{SpecRecover, s.recoverSagas},
		{SpecRules, s.refreshRules},
		{SpecRemind, s.remindFailures},
		{SpecMilestones, s.processMilestones},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := s.cron.AddFunc(j.spec, func() { fn(ctx) }); err != nil {
			return fmt.Errorf("расписание %q: %w", j.spec, err)
		}
	}

	s.cron.Start()
	log.WithField("timezone", common.Location().String()).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

// reconcile пересчитывает журнал каждого кошелька. Расхождение означает баг или ручную правку базы.
func (s *Scheduler) reconcile(ctx context.Context) {
	log.Info("[CRON] Сверка кошельков с журналом")
	results, err := s.wallets.ReconcileAll(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка сверки")
		return
	}
	broken := 0
	for _, r := range results {
		if r.OK {
			continue
		}
		broken++
		log.WithFields(log.Fields{
			"user_id":       r.UserID,
			"balance":       r.BalanceCents,
			"ledger_sum":    r.LedgerSumCents,
			"broken_at_seq": r.BrokenAtSeq,
			"alert":         true,
		}).Error("[CRON] Баланс не сходится с журналом")
	}
	log.WithFields(log.Fields{
		"wallets": len(results),
		"broken":  broken,
	}).Info("[CRON] Сверка завершена")
}

func (s *Scheduler) recoverSagas(ctx context.Context) {
	report, err := s.saga.Recover(ctx, s.recoveryAge)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка восстановления покупок")
		return
	}
	if report.Scanned == 0 {
		return
	}
	log.WithFields(log.Fields{
		"scanned":     report.Scanned,
		"fulfilled":   report.Fulfilled,
		"compensated": report.Compensated,
		"aborted":     report.Aborted,
		"stuck":       report.Stuck,
	}).Warn("[CRON] Зависшие покупки доведены до конца")
}

func (s *Scheduler) refreshRules(ctx context.Context) {
	if err := s.points.Refresh(ctx); err != nil {
		log.WithError(err).Warn("[CRON] Не удалось обновить правила начисления")
	}
}

func (s *Scheduler) remindFailures(ctx context.Context) {
	n, err := s.saga.RemindUnresolved(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка напоминания о сбоях компенсации")
		return
	}
	if n > 0 {
		log.WithField("unresolved", n).Warn("[CRON] Есть неразобранные сбои компенсации")
	}
}

func (s *Scheduler) processMilestones(ctx context.Context) {
	n, err := s.referrals.ProcessPendingMilestones(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка выдачи реферальных наград")
		return
	}
	if n > 0 {
		log.WithField("awarded", n).Info("[CRON] Догнали реферальные награды")
	}
}

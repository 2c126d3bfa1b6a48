// Package referral: service.go содержит логику активации кодов и порогов.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
)

var milestones = []Milestone{MilestoneFirst, MilestoneSecond}

// Service ведёт реферальную программу.
type Service struct {
	repo       Repository
	profiles   *profiles.Service
	points     *points.Service
	thresholds Thresholds
}

// NewService создаёт сервис рефералов. Нулевые пороги заменяются на 5 и 10 дней.
func NewService(repo Repository, profilesSvc *profiles.Service, pointsSvc *points.Service, t Thresholds) *Service {
	if t.First <= 0 {
		t.First = DefaultThresholds.First
	}
	if t.Second <= 0 {
		t.Second = DefaultThresholds.Second
	}
	return &Service{
		repo:       repo,
		profiles:   profilesSvc,
		points:     pointsSvc,
		thresholds: t,
	}
}

// Thresholds возвращает действующие пороги.
func (s *Service) Thresholds() Thresholds {
	return s.thresholds
}

// ClaimReferralCode привязывает пользователя к владельцу кода.
//
// Повтор с тем же кодом возвращает ту же запись без ошибки.
// Если пользователь уже приглашён кем-то другим, возвращается существующая запись и ErrAlreadyReferred.
func (s *Service) ClaimReferralCode(ctx context.Context, userID int64, code string) (*Referral, error) {
	owner, err := s.profiles.ResolveCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if owner.UserID == userID {
		return nil, common.ErrSelfReferralNotAllowed
	}

	if _, err := s.profiles.EnsureProfile(ctx, userID); err != nil {
		return nil, fmt.Errorf("ошибка создания профиля приглашённого: %w", err)
	}

	ref, created, err := s.repo.Claim(ctx, userID, owner.UserID, owner.ReferralCode)
	if err != nil {
		if errors.Is(err, common.ErrAlreadyReferred) {
			log.WithFields(log.Fields{
				"user_id": userID,
				"code":    owner.ReferralCode,
			}).Info("Пользователь уже привязан к другому пригласившему")
		}
		return nil, err
	}

	if !created {
		if ref.ReferrerUserID != owner.UserID {
			return ref, common.ErrAlreadyReferred
		}
		return ref, nil
	}

	log.WithFields(log.Fields{
		"referral_id": ref.ID,
		"invitee_id":  userID,
		"referrer_id": owner.UserID,
	}).Info("Реферальный код активирован")
	return ref, nil
}

// GetReferral возвращает реферальную запись приглашённого.
func (s *Service) GetReferral(ctx context.Context, userID int64) (*Referral, error) {
	return s.repo.GetByInvitee(ctx, userID)
}

// RecordReferralDiaryDay учитывает день активности приглашённого.
//
// Один и тот же календарный день (в часовом поясе приложения) учитывается один раз.
// Дни раньше активации кода не учитываются. После каждого сигнала пороги проверяются
// заново, поэтому недовыданная ранее награда догоняется повторным сигналом.
func (s *Service) RecordReferralDiaryDay(ctx context.Context, userID int64, activityDate time.Time) (*DayResult, error) {
	ref, err := s.repo.GetByInvitee(ctx, userID)
	if err != nil {
		return nil, err
	}

	day := common.DateOf(activityDate)
	result := &DayResult{Referral: ref}

	if !day.Before(common.DateOf(ref.InviteeJoinedAt)) {
		ref, result.Counted, err = s.repo.RecordDay(ctx, ref.ID, day)
		if err != nil {
			return nil, err
		}
		result.Referral = ref
	}

	var changed bool
	result.Awarded, changed, err = s.checkMilestones(ctx, ref)
	if err != nil {
		return result, err
	}
	if changed {
		result.Referral, err = s.repo.GetByInvitee(ctx, userID)
		if err != nil {
			return result, err
		}
	}

	log.WithFields(log.Fields{
		"referral_id": ref.ID,
		"day":         day.Format("2006-01-02"),
		"counted":     result.Counted,
		"day_count":   result.Referral.InviteeDayCount,
	}).Debug("День активности реферала обработан")
	return result, nil
}

// checkMilestones выдаёт награды за достигнутые пороги.
//
// Сначала начисляются баллы, потом ставится флаг. Начисление идемпотентно по id реферала,
// поэтому сбой между шагами лечится повтором, а второй выдачи не будет.
// changed: хотя бы один флаг поставлен этим вызовом, запись нужно перечитать.
func (s *Service) checkMilestones(ctx context.Context, ref *Referral) (awarded []string, changed bool, err error) {
	for _, m := range milestones {
		if m.Awarded(ref) || ref.InviteeDayCount < s.thresholds.Days(m) {
			continue
		}

		_, err := s.points.AwardPoints(ctx, ref.ReferrerUserID, m.Action(), strconv.FormatInt(ref.ID, 10), nil)
		if err != nil && !errors.Is(err, common.ErrAlreadyAwarded) {
			log.WithError(err).WithFields(log.Fields{
				"referral_id": ref.ID,
				"referrer_id": ref.ReferrerUserID,
				"action":      m.Action(),
			}).Warn("Не удалось начислить баллы за порог, флаг не ставим")
			return awarded, changed, fmt.Errorf("ошибка начисления за порог %s: %w", m.Action(), err)
		}
		alreadyPaid := err != nil

		flipped, err := s.repo.MarkMilestone(ctx, ref.ID, m)
		if err != nil {
			return awarded, changed, fmt.Errorf("ошибка установки флага %s: %w", m.Action(), err)
		}
		changed = changed || flipped
		if flipped && !alreadyPaid {
			awarded = append(awarded, m.Action())
			log.WithFields(log.Fields{
				"referral_id": ref.ID,
				"referrer_id": ref.ReferrerUserID,
				"action":      m.Action(),
				"day_count":   ref.InviteeDayCount,
			}).Info("Пригласивший получил награду за порог")
		}
	}
	return awarded, changed, nil
}

// ProcessPendingMilestones догоняет награды, которые не выдались при сигнале дня
// (например, кошелёк пригласившего был заблокирован). Возвращает число выданных наград.
func (s *Service) ProcessPendingMilestones(ctx context.Context) (int, error) {
	pending, err := s.repo.ListPendingMilestones(ctx, s.thresholds)
	if err != nil {
		return 0, err
	}

	total, failed := 0, 0
	for _, ref := range pending {
		awarded, _, err := s.checkMilestones(ctx, ref)
		total += len(awarded)
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.WithFields(log.Fields{
			"pending": len(pending),
			"failed":  failed,
		}).Warn("Часть наград за пороги не выдана")
	}
	return total, nil
}

// Stats считает приглашённых и достигнутые пороги.
func (s *Service) Stats(ctx context.Context, referrerID int64) (*Stats, error) {
	list, err := s.repo.ListByReferrer(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	st := &Stats{ReferrerUserID: referrerID, Invited: len(list)}
	for _, ref := range list {
		if ref.Reward5DayAwarded {
			st.ReachedFirst++
		}
		if ref.Reward10DayAwarded {
			st.ReachedSecond++
		}
	}
	return st, nil
}

// ListInvited возвращает рефералы пригласившего.
func (s *Service) ListInvited(ctx context.Context, referrerID int64) ([]*Referral, error) {
	return s.repo.ListByReferrer(ctx, referrerID)
}

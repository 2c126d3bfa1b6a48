// Package rewards: service.go содержит обмен баллов на награды и админские операции каталога.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

// FailureRecorder фиксирует баллы, которые не удалось вернуть, в общем списке сбоев компенсации.
type FailureRecorder interface {
	RecordCompensationFailure(ctx context.Context, source string, failure *common.CompensationFailedError)
}

// failureSource: источник отметки о сбое для обмена наград.
const failureSource = "reward"

// Service управляет каталогом наград.
type Service struct {
	repo     Repository
	wallets  *wallet.Service
	failures FailureRecorder // Может быть nil: тогда сбой только логируется
}

// NewService создаёт сервис наград. failures может быть nil.
func NewService(repo Repository, wallets *wallet.Service, failures FailureRecorder) *Service {
	return &Service{repo: repo, wallets: wallets, failures: failures}
}

// RedeemReward обменивает баллы на награду.
//
// Порядок шагов:
//  1. Награда существует и активна.
//  2. Остаток резервируется условным UPDATE (stock >= quantity).
//  3. Баллы списываются с кошелька. Не вышло: резерв возвращается.
//  4. Записывается Redemption. Не вышло: баллы возвращаются, резерв тоже.
//
// Остаток резервируется раньше списания: популярная награда чаще упирается в остаток,
// чем пользователь в баланс, и так мы не списываем баллы за то, чего уже нет.
func (s *Service) RedeemReward(ctx context.Context, userID, rewardID int64, quantity int, meta common.Metadata) (*Redemption, error) {
	if quantity < 1 {
		return nil, common.ErrInvalidQuantity
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	reward, err := s.repo.Get(ctx, rewardID)
	if err != nil {
		return nil, err
	}
	if !reward.IsActive {
		return nil, common.ErrRewardInactive
	}

	totalCost := reward.CostPoints * int64(quantity)
	if reward.CostPoints > 0 && totalCost/reward.CostPoints != int64(quantity) {
		return nil, common.ErrInvalidQuantity
	}

	if !reward.Unlimited() {
		if err := s.repo.ReserveStock(ctx, rewardID, quantity); err != nil {
			if errors.Is(err, common.ErrOutOfStock) {
				log.WithFields(log.Fields{
					"user_id":   userID,
					"reward_id": rewardID,
					"quantity":  quantity,
				}).Info("Награда закончилась")
			}
			return nil, err
		}
	}

	ref := uuid.NewString()
	var txID *string
	if totalCost > 0 {
		debitMeta := common.Metadata{
			common.MetaReason:   "reward_redemption",
			common.MetaRewardID: rewardID,
		}
		tx, err := s.wallets.DebitWithKey(ctx, userID, totalCost, debitMeta, "redeem:"+ref)
		if err != nil {
			s.releaseStock(ctx, reward, quantity)
			return nil, err
		}
		txID = &tx.ID
	}

	if meta == nil {
		meta = common.Metadata{}
	}
	rd := &Redemption{
		UserID:        userID,
		RewardID:      rewardID,
		Quantity:      quantity,
		PointsSpent:   totalCost,
		TransactionID: txID,
		Metadata:      meta,
	}
	if err := s.repo.InsertRedemption(ctx, rd); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":   userID,
			"reward_id": rewardID,
		}).Error("Обмен не записан, откатываем списание и резерв")
		return nil, s.undoRedemption(ctx, reward, rd, ref, err)
	}

	log.WithFields(log.Fields{
		"user_id":   userID,
		"reward_id": rewardID,
		"quantity":  quantity,
		"spent":     totalCost,
	}).Info("Награда обменяна")
	return rd, nil
}

// undoRedemption возвращает баллы и остаток после неудачной записи обмена.
// Если баллы вернуть не удалось, резерв остаётся за пользователем до ручного разбора.
func (s *Service) undoRedemption(ctx context.Context, reward *Reward, rd *Redemption, ref string, cause error) error {
	// Компенсация не должна зависеть от того, что вызывающий уже ушёл
	ctx = context.WithoutCancel(ctx)

	if rd.TransactionID == nil {
		s.releaseStock(ctx, reward, rd.Quantity)
		return fmt.Errorf("%w: %v", common.ErrPurchaseFailed, cause)
	}
	refundMeta := common.Metadata{
		common.MetaReason:   "reward_refund",
		common.MetaRewardID: reward.ID,
		common.MetaRefundOf: *rd.TransactionID,
	}
	_, err := s.wallets.CreditWithKey(ctx, rd.UserID, rd.PointsSpent, refundMeta, "refund:redeem:"+ref)
	if err != nil && !errors.Is(err, common.ErrDuplicateTransaction) {
		failure := &common.CompensationFailedError{
			AttemptID:   "redeem:" + ref,
			UserID:      rd.UserID,
			AmountCents: rd.PointsSpent,
			Cause:       err,
		}
		log.WithError(failure).WithField("reward_id", reward.ID).Error("Не удалось вернуть баллы за незаписанный обмен")
		if s.failures != nil {
			s.failures.RecordCompensationFailure(ctx, failureSource, failure)
		}
		return failure
	}
	s.releaseStock(ctx, reward, rd.Quantity)
	return fmt.Errorf("%w: обмен не записан, баллы возвращены: %v", common.ErrPurchaseFailed, cause)
}

func (s *Service) releaseStock(ctx context.Context, reward *Reward, quantity int) {
	if reward.Unlimited() {
		return
	}
	if err := s.repo.ReleaseStock(context.WithoutCancel(ctx), reward.ID, quantity); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"reward_id": reward.ID,
			"quantity":  quantity,
		}).Error("Не удалось вернуть резерв остатка")
	}
}

// CreateReward добавляет награду в каталог.
func (s *Service) CreateReward(ctx context.Context, in RewardInput) (*Reward, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Stock != nil && *in.Stock < 0 {
		return nil, common.ErrInvalidQuantity
	}
	rw := &Reward{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		ImageURL:    in.ImageURL,
		CostPoints:  in.CostPoints,
		Stock:       in.Stock,
		IsActive:    in.IsActive,
	}
	if err := s.repo.Create(ctx, rw); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"reward_id": rw.ID, "title": rw.Title}).Info("Награда создана")
	return rw, nil
}

// UpdateReward меняет описание, цену и активность. Остаток меняется только через RestockReward.
func (s *Service) UpdateReward(ctx context.Context, id int64, in RewardInput) (*Reward, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	rw := &Reward{
		ID:          id,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		ImageURL:    in.ImageURL,
		CostPoints:  in.CostPoints,
		IsActive:    in.IsActive,
	}
	if err := s.repo.Update(ctx, rw); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// RestockReward добавляет единицы на склад.
func (s *Service) RestockReward(ctx context.Context, id int64, delta int) (*Reward, error) {
	if delta < 1 {
		return nil, common.ErrInvalidQuantity
	}
	rw, err := s.repo.Restock(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"reward_id": id, "delta": delta, "stock": *rw.Stock}).Info("Остаток пополнен")
	return rw, nil
}

// GetReward возвращает награду.
func (s *Service) GetReward(ctx context.Context, id int64) (*Reward, error) {
	return s.repo.Get(ctx, id)
}

// ListActiveRewards возвращает витрину.
func (s *Service) ListActiveRewards(ctx context.Context) ([]*Reward, error) {
	return s.repo.List(ctx, false)
}

// ListAllRewards возвращает весь каталог, включая снятые с витрины.
func (s *Service) ListAllRewards(ctx context.Context) ([]*Reward, error) {
	return s.repo.List(ctx, true)
}

// ListRedemptions возвращает историю обменов от новых к старым.
func (s *Service) ListRedemptions(ctx context.Context, userID int64, limit int) ([]*Redemption, error) {
	return s.repo.ListRedemptions(ctx, userID, wallet.ClampLimit(limit))
}

func validateInput(in RewardInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("не указано название: %w", common.ErrInvalidReward)
	}
	if in.CostPoints < 0 {
		return fmt.Errorf("отрицательная цена: %w", common.ErrInvalidReward)
	}
	return nil
}

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/rewards"
)

// AdminLogin открывает сессию администратора по паролю.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.admins.Login(r.Context(), userID(r), req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Token: s.Token, ExpiresAt: s.ExpiresAt})
}

// AdminLogout закрывает все сессии администратора.
func (h *Handler) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.admins.Logout(r.Context(), adminSession(r).UserID); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertRule создаёт или меняет правило начисления.
func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var req UpsertRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule, err := h.points.UpsertRule(r.Context(), points.Rule{
		Action:      chi.URLParam(r, "action"),
		Points:      req.Points,
		Description: req.Description,
		IsActive:    active,
	}, adminSession(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// =============================================================================
// КОШЕЛЬКИ
// =============================================================================

// SetWalletStatus блокирует или разблокирует кошелёк.
func (h *Handler) SetWalletStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req SetStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wl, err := h.wallets.SetStatus(r.Context(), uid, req.Status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	log.WithFields(log.Fields{
		"user_id":  uid,
		"status":   req.Status,
		"admin_id": adminSession(r).UserID,
	}).Warn("Статус кошелька изменён администратором")
	writeJSON(w, http.StatusOK, toWalletResponse(wl))
}

// AdjustPoints: ручная корректировка баллов. referenceId обязателен,
// чтобы повтор запроса не начислил дважды.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req AdjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "не указан referenceId корректировки", nil)
		return
	}

	amount := req.Points
	ev, err := h.points.AwardPoints(r.Context(), uid, points.ActionAdminAdjustment, req.ReferenceID, &amount)
	if errors.Is(err, common.ErrAlreadyAwarded) && ev != nil {
		writeJSON(w, http.StatusOK, AwardPointsResponse{Event: ev, Duplicate: true})
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	log.WithFields(log.Fields{
		"user_id":  uid,
		"points":   amount,
		"admin_id": adminSession(r).UserID,
	}).Warn("Ручная корректировка баллов")
	writeJSON(w, http.StatusCreated, AwardPointsResponse{Event: ev})
}

// ReconcileWallet сверяет баланс кошелька с журналом.
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	rec, err := h.wallets.Reconcile(r.Context(), uid)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// КАТАЛОГ НАГРАД
// =============================================================================

// ListAllRewards: весь каталог, включая снятые награды.
func (h *Handler) ListAllRewards(w http.ResponseWriter, r *http.Request) {
	list, err := h.rewards.ListAllRewards(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateReward добавляет награду в каталог.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req rewards.RewardInput
	if !decodeJSON(w, r, &req) {
		return
	}
	rw, err := h.rewards.CreateReward(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rw)
}

// UpdateReward меняет описание и цену. Остаток меняется только через restock.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req rewards.RewardInput
	if !decodeJSON(w, r, &req) {
		return
	}
	rw, err := h.rewards.UpdateReward(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

// RestockReward меняет остаток на delta.
func (h *Handler) RestockReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RestockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rw, err := h.rewards.RestockReward(r.Context(), id, req.Delta)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

// =============================================================================
// САГА
// =============================================================================

// ListCompensationFailures: отметки о застрявших деньгах. ?all=true включает разобранные.
func (h *Handler) ListCompensationFailures(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	list, err := h.purchases.Saga().ListCompensationFailures(r.Context(), !all)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ResolveCompensationFailure закрывает отметку после ручного разбора.
func (h *Handler) ResolveCompensationFailure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ResolveFailureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	f, err := h.purchases.Saga().ResolveCompensationFailure(r.Context(), id, adminSession(r).UserID, req.Note)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// RetryRefund повторяет возврат по застрявшей попытке.
func (h *Handler) RetryRefund(w http.ResponseWriter, r *http.Request) {
	out, err := h.purchases.Saga().RetryCompensation(r.Context(), chi.URLParam(r, "id"), adminSession(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{Outcome: out})
}

// RecoverSaga доводит до конца зависшие попытки.
func (h *Handler) RecoverSaga(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	age := h.recoveryAge
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "некорректный olderThan", err)
			return
		}
		age = d
	}
	report, err := h.purchases.Saga().Recover(r.Context(), age)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ProcessMilestones догоняет реферальные награды, не выданные из-за сбоев.
func (h *Handler) ProcessMilestones(w http.ResponseWriter, r *http.Request) {
	n, err := h.referrals.ProcessPendingMilestones(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessedResponse{Processed: n})
}

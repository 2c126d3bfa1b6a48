package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
)

// =============================================================================
// КОШЕЛЁК
// =============================================================================

// GetWallet возвращает кошелёк пользователя, создавая его при первом обращении.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.wallets.GetOrCreate(r.Context(), userID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wl))
}

// ListTransactions: история от новых к старым. ?limit=&before=<seq> для пагинации.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный limit", err)
		return
	}
	before, err := queryInt(r, "before", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный before", err)
		return
	}
	txs, err := h.wallets.ListTransactions(r.Context(), userID(r), int(limit), before)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// TopUp зачисляет подтверждённый внешний платёж.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount := req.AmountCents
	if amount == 0 && req.Amount != "" {
		parsed, err := common.ParseMoney(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, common.ErrInvalidAmount.Error(), err)
			return
		}
		amount = parsed
	}

	tx, err := h.wallets.TopUp(r.Context(), userID(r), amount, req.ExternalRef)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// =============================================================================
// БАЛЛЫ
// =============================================================================

// ListRules возвращает таблицу правил начисления.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.points.ListRules(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// ListPointEvents: история начислений пользователя.
func (h *Handler) ListPointEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный limit", err)
		return
	}
	events, err := h.points.ListPointEvents(r.Context(), userID(r), int(limit))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// AwardPoints начисляет баллы за действие. Повтор с тем же referenceId
// возвращает исходное начисление со статусом 200.
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	var req AwardPointsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Ручная корректировка доступна только через админку
	if req.Action == points.ActionAdminAdjustment {
		writeError(w, http.StatusForbidden, common.ErrNotAdmin.Error(), nil)
		return
	}

	ev, err := h.points.AwardPoints(r.Context(), userID(r), req.Action, req.ReferenceID, nil)
	if errors.Is(err, common.ErrAlreadyAwarded) && ev != nil {
		writeJSON(w, http.StatusOK, AwardPointsResponse{Event: ev, Duplicate: true})
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AwardPointsResponse{Event: ev})
}

// =============================================================================
// НАГРАДЫ
// =============================================================================

// ListRewards: активные награды каталога.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	list, err := h.rewards.ListActiveRewards(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetReward возвращает награду по ID.
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rw, err := h.rewards.GetReward(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

// RedeemReward обменивает баллы на награду. Количество по умолчанию 1.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req := RedeemRequest{Quantity: 1}
	if !decodeJSON(w, r, &req) {
		return
	}
	rd, err := h.rewards.RedeemReward(r.Context(), userID(r), id, req.Quantity, req.Metadata)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

// ListRedemptions: история обменов пользователя.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный limit", err)
		return
	}
	list, err := h.rewards.ListRedemptions(r.Context(), userID(r), int(limit))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// РЕФЕРАЛЫ
// =============================================================================

// GetReferralProfile возвращает профиль с личным кодом приглашения.
func (h *Handler) GetReferralProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.EnsureProfile(r.Context(), userID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClaimReferral активирует чужой код. Повтор того же кода возвращает ту же запись.
func (h *Handler) ClaimReferral(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := h.referrals.ClaimReferralCode(r.Context(), userID(r), req.Code)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// RecordActivity учитывает день активности приглашённого.
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	day := common.Now()
	if req.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", req.Date, common.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "некорректная дата, нужен формат YYYY-MM-DD", err)
			return
		}
		day = parsed
	}

	res, err := h.referrals.RecordReferralDiaryDay(r.Context(), userID(r), day)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReferralStats: сводка для пригласившего.
func (h *Handler) ReferralStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.referrals.Stats(r.Context(), userID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListInvited: кого пригласил пользователь.
func (h *Handler) ListInvited(w http.ResponseWriter, r *http.Request) {
	list, err := h.referrals.ListInvited(r.Context(), userID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// ПОКУПКИ
// =============================================================================

// PurchaseLesson покупает урок через сагу.
func (h *Handler) PurchaseLesson(w http.ResponseWriter, r *http.Request) {
	var req PurchaseLessonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.purchases.PurchaseLesson(r.Context(), userID(r), req.CourseID, req.LessonID, req.PriceCents)
	writePurchase(w, r, out, err)
}

// PurchaseNextLesson покупает первый закрытый урок курса.
func (h *Handler) PurchaseNextLesson(w http.ResponseWriter, r *http.Request) {
	var req PurchaseNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.purchases.PurchaseNextLesson(r.Context(), userID(r), req.CourseID, req.LessonIDs, req.PriceCents)
	writePurchase(w, r, out, err)
}

// writePurchase: при возврате средств клиент получает 409 вместе с попыткой.
func writePurchase(w http.ResponseWriter, r *http.Request, out *purchase.Outcome, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, PurchaseResponse{Outcome: out})
		return
	}
	if out != nil && out.Kind == purchase.OutcomeCompensated {
		writeJSON(w, http.StatusConflict, PurchaseResponse{Outcome: out, Message: err.Error()})
		return
	}
	respondError(w, r, err)
}

// ListUnlocks: открытые уроки. ?courseId= сужает до курса.
func (h *Handler) ListUnlocks(w http.ResponseWriter, r *http.Request) {
	courseID, err := queryInt(r, "courseId", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный courseId", err)
		return
	}
	list, err := h.purchases.ListUnlocks(r.Context(), userID(r), courseID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListPurchases: попытки покупок пользователя.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный limit", err)
		return
	}
	list, err := h.purchases.Saga().ListAttempts(r.Context(), userID(r), int(limit))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetPurchase возвращает попытку. Чужая попытка выглядит как отсутствующая.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	a, err := h.purchases.Saga().GetAttempt(r.Context(), chi.URLParam(r, "id"))
	if err == nil && a.UserID != userID(r) {
		err = common.ErrAttemptNotFound
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

/*
handlers.go: HTTP-обработчики внутреннего API леджера.

Обработчик разбирает запрос, вызывает сервис и переводит ошибку в статус:
  - 400: некорректный ввод
  - 401/403: админская сессия
  - 402: не хватает средств
  - 404: сущность не найдена
  - 409: повтор, конфликт, покупка отменена с возвратом
  - 423: кошелёк заблокирован
  - 429: слишком много попыток входа
  - 500: внутренняя ошибка или застрявшие деньги

Личность пользователя приходит в X-User-ID от шлюза, который её уже проверил.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/admin"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
	"serotonyl.ru/wellness-ledger/internal/features/referral"
	"serotonyl.ru/wellness-ledger/internal/features/rewards"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

const (
	headerUserID     = "X-User-ID"
	headerAdminToken = "X-Admin-Token"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxSession
)

// Services: зависимости обработчиков.
type Services struct {
	Wallets   *wallet.Service
	Points    *points.Service
	Rewards   *rewards.Service
	Profiles  *profiles.Service
	Referrals *referral.Service
	Purchases *purchase.Service
	Admins    *admin.Service

	// RecoveryAge: порог для ручного запуска восстановления саги
	RecoveryAge time.Duration
}

// Handler держит сервисы и обслуживает все маршруты.
type Handler struct {
	wallets     *wallet.Service
	points      *points.Service
	rewards     *rewards.Service
	profiles    *profiles.Service
	referrals   *referral.Service
	purchases   *purchase.Service
	admins      *admin.Service
	recoveryAge time.Duration
}

// NewHandler создаёт обработчик.
func NewHandler(s Services) *Handler {
	return &Handler{
		wallets:     s.Wallets,
		points:      s.Points,
		rewards:     s.Rewards,
		profiles:    s.Profiles,
		referrals:   s.Referrals,
		purchases:   s.Purchases,
		admins:      s.Admins,
		recoveryAge: s.RecoveryAge,
	}
}

// =============================================================================
// АУТЕНТИФИКАЦИЯ
// =============================================================================

// requireUser достаёт ID пользователя из X-User-ID.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerUserID))
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "не указан пользователь", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, id)))
	})
}

// requireAdmin пускает только с живой сессией администратора.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.admins.Authenticate(r.Context(), r.Header.Get(headerAdminToken))
		if err != nil {
			respondError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxSession, session)
		ctx = context.WithValue(ctx, ctxUserID, session.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxUserID).(int64)
	return id
}

func adminSession(r *http.Request) *admin.Session {
	s, _ := r.Context().Value(ctxSession).(*admin.Session)
	return s
}

// =============================================================================
// ОШИБКИ
// =============================================================================

// statusFor переводит ошибку сервиса в HTTP-статус.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, common.ErrWalletLocked):
		return http.StatusLocked
	case errors.Is(err, common.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, common.ErrWrongPassword), errors.Is(err, common.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case common.IsFatal(err):
		return http.StatusInternalServerError
	case errors.Is(err, common.ErrPurchaseFailed),
		errors.Is(err, common.ErrAlreadyReferred),
		errors.Is(err, common.ErrAlreadyAwarded),
		errors.Is(err, common.ErrDuplicateTopUp),
		errors.Is(err, common.ErrDuplicateTransaction),
		errors.Is(err, common.ErrLessonAlreadyUnlocked),
		errors.Is(err, common.ErrOutOfStock),
		errors.Is(err, common.ErrRewardInactive),
		errors.Is(err, common.ErrAttemptNotStuck):
		return http.StatusConflict
	case common.IsNotFound(err):
		return http.StatusNotFound
	case common.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError пишет ошибку сервиса. Текст внутренних ошибок наружу не уходит.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeError(w, status, err.Error(), nil)
		return
	}

	entry := log.WithError(err).WithFields(log.Fields{
		"path":       r.URL.Path,
		"request_id": chimw.GetReqID(r.Context()),
		"user_id":    userID(r),
	})
	if common.IsFatal(err) {
		// Сага уже записала отметку и отправила алерт
		entry.WithField("alert", true).Error("Покупка завершилась с застрявшими средствами")
		writeError(w, status, common.ErrCompensationFailed.Error()+", администратор уведомлён", nil)
		return
	}
	entry.Error("Внутренняя ошибка обработчика")
	writeError(w, status, "внутренняя ошибка", nil)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeJSON читает тело запроса. Пустое тело допустимо.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "некорректный JSON", err)
		return false
	}
	return true
}

// pathID разбирает числовой параметр пути.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "некорректный параметр "+name, err)
		return 0, false
	}
	return id, true
}

// queryInt читает целый параметр запроса; пустой даёт def.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

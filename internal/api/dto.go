package api

import (
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

// =============================================================================
// ЗАПРОСЫ
// =============================================================================

// TopUpRequest: зачисление внешнего платежа. Сумма задаётся либо в копейках,
// либо строкой "123.45".
type TopUpRequest struct {
	AmountCents int64  `json:"amountCents"`
	Amount      string `json:"amount"`
	ExternalRef string `json:"externalRef"`
}

// AwardPointsRequest: сигнал о действии пользователя.
type AwardPointsRequest struct {
	Action      string `json:"action"`
	ReferenceID string `json:"referenceId"`
}

// RedeemRequest: обмен баллов на награду.
type RedeemRequest struct {
	Quantity int             `json:"quantity"`
	Metadata common.Metadata `json:"metadata"`
}

// ClaimRequest: активация реферального кода.
type ClaimRequest struct {
	Code string `json:"code"`
}

// ActivityRequest: день активности приглашённого. Пустая дата означает сегодня.
type ActivityRequest struct {
	Date string `json:"date"` // 2006-01-02
}

// PurchaseLessonRequest: покупка урока.
type PurchaseLessonRequest struct {
	CourseID   int64 `json:"courseId"`
	LessonID   int64 `json:"lessonId"`
	PriceCents int64 `json:"priceCents"`
}

// PurchaseNextRequest: покупка следующего закрытого урока курса.
type PurchaseNextRequest struct {
	CourseID   int64   `json:"courseId"`
	LessonIDs  []int64 `json:"lessonIds"` // В порядке прохождения
	PriceCents int64   `json:"priceCents"`
}

// LoginRequest: вход в админку. ID администратора берётся из X-User-ID.
type LoginRequest struct {
	Password string `json:"password"`
}

// UpsertRuleRequest: изменение правила начисления.
type UpsertRuleRequest struct {
	Points      int64  `json:"points"`
	Description string `json:"description"`
	IsActive    *bool  `json:"isActive"` // По умолчанию true
}

// SetStatusRequest: блокировка или разблокировка кошелька.
type SetStatusRequest struct {
	Status wallet.Status `json:"status"`
}

// AdjustRequest: ручная корректировка баллов. Отрицательное значение списывает.
type AdjustRequest struct {
	Points      int64  `json:"points"`
	ReferenceID string `json:"referenceId"`
}

// RestockRequest: изменение остатка награды.
type RestockRequest struct {
	Delta int `json:"delta"`
}

// ResolveFailureRequest: закрытие отметки о сбое компенсации.
type ResolveFailureRequest struct {
	Note string `json:"note"`
}

// RecoverRequest: ручной запуск восстановления саги.
type RecoverRequest struct {
	OlderThan string `json:"olderThan"` // Длительность вида "5m", по умолчанию из конфига
}

// =============================================================================
// ОТВЕТЫ
// =============================================================================

// WalletResponse: кошелёк с отформатированным балансом.
type WalletResponse struct {
	*wallet.Wallet
	Balance string `json:"balance"`
}

// AwardPointsResponse: начисление. Duplicate = true, если баллы за этот referenceId уже были.
type AwardPointsResponse struct {
	Event     any  `json:"event"`
	Duplicate bool `json:"duplicate"`
}

// PurchaseResponse: итог покупки.
type PurchaseResponse struct {
	Outcome *purchase.Outcome `json:"outcome"`
	Message string            `json:"message,omitempty"`
}

// SessionResponse: открытая сессия администратора.
type SessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ProcessedResponse: сколько записей обработала фоновая операция.
type ProcessedResponse struct {
	Processed int `json:"processed"`
}

// ErrorResponse: стандартный ответ с ошибкой.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toWalletResponse(w *wallet.Wallet) WalletResponse {
	return WalletResponse{Wallet: w, Balance: common.FormatMoney(w.BalanceCents, w.Currency)}
}

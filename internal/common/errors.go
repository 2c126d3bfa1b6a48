// Package common: errors.go определяет ошибки, общие для всех модулей леджера.
// Сервисы возвращают эти ошибки (или обёртки над ними), а HTTP-слой
// по errors.Is решает, какой статус и какой текст показать пользователю.
package common

import (
	"errors"
	"fmt"
)

// Ошибки кошелька и леджера
var (
	// ErrWalletLocked: кошелёк заморожен администратором, пользователю показываем "обратитесь в поддержку"
	ErrWalletLocked = errors.New("кошелёк заблокирован, обратитесь в поддержку")
	// ErrInsufficientFunds: на балансе не хватает средств
	ErrInsufficientFunds = errors.New("недостаточно средств на балансе")
	// ErrInvalidAmount: сумма ноль или отрицательная
	ErrInvalidAmount = errors.New("сумма должна быть положительной")
	// ErrWalletNotFound: кошелёк ещё не создан
	ErrWalletNotFound = errors.New("кошелёк не найден")
	// ErrInvalidStatus: неизвестный статус кошелька
	ErrInvalidStatus = errors.New("некорректный статус кошелька")
	// ErrDuplicateTransaction: транзакция с таким ключом идемпотентности уже записана
	ErrDuplicateTransaction = errors.New("транзакция уже проведена")
	// ErrDuplicateTopUp: повторная доставка одного и того же внешнего платежа
	ErrDuplicateTopUp = errors.New("платёж с таким внешним идентификатором уже зачислен")
	// ErrMissingExternalRef: пополнение без идентификатора внешнего платежа
	ErrMissingExternalRef = errors.New("не указан идентификатор внешнего платежа")
)

// Ошибки баллов
var (
	// ErrAlreadyAwarded: баллы за этот referenceId уже начислены
	ErrAlreadyAwarded = errors.New("баллы за это действие уже начислены")
	// ErrUnknownAction: пустое имя действия
	ErrUnknownAction = errors.New("не указано действие для начисления баллов")
	// ErrRuleNotFound: правило не найдено
	ErrRuleNotFound = errors.New("правило начисления не найдено")
	// ErrNegativeRulePoints: правило не может списывать баллы, для этого есть admin_adjustment
	ErrNegativeRulePoints = errors.New("баллы в правиле не могут быть отрицательными")
)

// Ошибки каталога наград
var (
	// ErrRewardNotFound: награда не найдена
	ErrRewardNotFound = errors.New("награда не найдена")
	// ErrRewardInactive: награда снята с витрины
	ErrRewardInactive = errors.New("награда сейчас недоступна")
	// ErrOutOfStock: закончился остаток
	ErrOutOfStock = errors.New("награда закончилась")
	// ErrInvalidQuantity: количество меньше 1
	ErrInvalidQuantity = errors.New("количество должно быть не меньше 1")
	// ErrInvalidReward: у награды нет названия или цена отрицательная
	ErrInvalidReward = errors.New("некорректные данные награды")
)

// Ошибки реферальной программы
var (
	// ErrCodeNotFound: нет владельца у реферального кода
	ErrCodeNotFound = errors.New("реферальный код не найден")
	// ErrSelfReferralNotAllowed: попытка пригласить самого себя
	ErrSelfReferralNotAllowed = errors.New("нельзя использовать собственный реферальный код")
	// ErrAlreadyReferred: пользователь уже приглашён другим участником
	ErrAlreadyReferred = errors.New("пользователь уже приглашён")
	// ErrReferralNotFound: у пользователя нет реферальной записи
	ErrReferralNotFound = errors.New("реферальная запись не найдена")
	// ErrProfileNotFound: профиль не найден
	ErrProfileNotFound = errors.New("профиль не найден")
)

// Ошибки саги покупки
var (
	// ErrFulfillmentConflict: внутренний сигнал, что контент уже выдан параллельным запросом.
	// Пользователю не показывается, запускает компенсацию.
	ErrFulfillmentConflict = errors.New("контент уже выдан параллельным запросом")
	// ErrCompensationFailed: списание прошло, контент не выдан, возврат не удался.
	// Единственная ошибка, которую нельзя молча проглатывать.
	ErrCompensationFailed = errors.New("не удалось вернуть списанные средства")
	// ErrPurchaseFailed: покупка не удалась, деньги возвращены
	ErrPurchaseFailed = errors.New("покупка не удалась, попробуйте ещё раз")
	// ErrAttemptNotFound: попытка покупки не найдена
	ErrAttemptNotFound = errors.New("попытка покупки не найдена")
	// ErrFailureNotFound: запись о сбое компенсации не найдена
	ErrFailureNotFound = errors.New("запись о сбое компенсации не найдена")
	// ErrLessonAlreadyUnlocked: урок уже открыт, повторная покупка не нужна
	ErrLessonAlreadyUnlocked = errors.New("урок уже открыт")
	// ErrInvalidProduct: не удалось разобрать ссылку на товар
	ErrInvalidProduct = errors.New("некорректный товар")
	// ErrAttemptNotStuck: повторный возврат возможен только для попытки в STUCK
	ErrAttemptNotStuck = errors.New("попытка не ожидает ручного возврата")
)

// Ошибки админки
var (
	// ErrNotAdmin: пользователь не является администратором
	ErrNotAdmin = errors.New("у вас нет прав администратора")
	// ErrWrongPassword: неверный пароль
	ErrWrongPassword = errors.New("неверный пароль")
	// ErrTooManyAttempts: слишком много неудачных попыток входа
	ErrTooManyAttempts = errors.New("слишком много попыток, подождите 1 час")
	// ErrSessionExpired: сессия истекла
	ErrSessionExpired = errors.New("сессия истекла, авторизуйтесь заново")
)

// InsufficientFundsError описывает нехватку средств с подробностями.
type InsufficientFundsError struct {
	UserID    int64
	Balance   int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("недостаточно средств: нужно %d, есть %d", e.Requested, e.Balance)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// CompensationFailedError описывает "застрявшие" деньги: списание без контента и без возврата.
type CompensationFailedError struct {
	AttemptID   string
	UserID      int64
	AmountCents int64
	Cause       error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("компенсация попытки %s не удалась (user_id=%d, сумма=%d): %v",
		e.AttemptID, e.UserID, e.AmountCents, e.Cause)
}

func (e *CompensationFailedError) Unwrap() []error {
	return []error{ErrCompensationFailed, e.Cause}
}

// IsClientError сообщает, что ошибка вызвана входными данными или состоянием пользователя.
// Такие ошибки не логируются как инциденты.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrRewardInactive) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidReward) ||
		errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrSelfReferralNotAllowed) ||
		errors.Is(err, ErrAlreadyReferred) ||
		errors.Is(err, ErrAlreadyAwarded) ||
		errors.Is(err, ErrDuplicateTopUp) ||
		errors.Is(err, ErrMissingExternalRef) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrNegativeRulePoints) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidProduct) ||
		errors.Is(err, ErrLessonAlreadyUnlocked)
}

// IsNotFound сообщает, что запрошенная сущность отсутствует.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrReferralNotFound) ||
		errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrFailureNotFound)
}

// IsFatal сообщает, что требуется ручное вмешательство.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCompensationFailed)
}

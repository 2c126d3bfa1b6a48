// Package purchase проводит покупки, где списание с кошелька должно идти в паре
// с записью о выдаче контента (например, открытие урока в рассрочку).
// Списание идёт первым, выдача вторым, при неудаче выдачи деньги возвращаются.
// models.go описывает попытки покупки, их состояния и итоги.
package purchase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// State: состояние попытки покупки.
type State string

// Состояния попытки. Успех: PENDING → DEBITED → FULFILLED.
// Неудача выдачи: PENDING → DEBITED → COMPENSATING → REVERSED (или STUCK, если возврат не прошёл).
const (
	StatePending      State = "PENDING"
	StateDebited      State = "DEBITED"
	StateFulfilled    State = "FULFILLED"
	StateCompensating State = "COMPENSATING"
	StateReversed     State = "REVERSED"
	StateAborted      State = "ABORTED" // Списание не прошло, откатывать нечего
	StateStuck        State = "STUCK"   // Списано, не выдано, не возвращено. Нужен человек
)

// Terminal сообщает, что попытка завершена.
func (s State) Terminal() bool {
	switch s {
	case StateFulfilled, StateReversed, StateAborted, StateStuck:
		return true
	}
	return false
}

// Attempt: одна попытка покупки. Переходы записываются до того, как выполняется следующий шаг.
type Attempt struct {
	ID          string          `db:"id" json:"id"`
	UserID      int64           `db:"user_id" json:"userId"`
	ProductRef  string          `db:"product_ref" json:"productRef"`
	AmountCents int64           `db:"amount_cents" json:"amountCents"`
	State       State           `db:"state" json:"state"`
	DebitTxID   *string         `db:"debit_tx_id" json:"debitTxId,omitempty"`
	RefundTxID  *string         `db:"refund_tx_id" json:"refundTxId,omitempty"`
	LastError   string          `db:"last_error" json:"lastError,omitempty"`
	Metadata    common.Metadata `db:"metadata" json:"metadata"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// Update: поля, которые меняются вместе с переходом.
type Update struct {
	DebitTxID  *string
	RefundTxID *string
	LastError  string
}

// OutcomeKind: итог саги для вызывающего.
type OutcomeKind string

const (
	OutcomeFulfilled           OutcomeKind = "fulfilled"
	OutcomeCompensated         OutcomeKind = "compensated"
	OutcomeFatallyInconsistent OutcomeKind = "fatally_inconsistent"
	OutcomeAborted             OutcomeKind = "aborted"
)

// Outcome: результат Run.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Attempt *Attempt    `json:"attempt"`
	// Fulfillment: запись о выдаче от Fulfiller (для уроков *LessonUnlock)
	Fulfillment any `json:"fulfillment,omitempty"`
}

// Откуда пришла отметка о сбое.
const (
	FailureSourcePurchase = "purchase" // AttemptID: id попытки покупки
	FailureSourceReward   = "reward"   // AttemptID: ключ обмена "redeem:<uuid>"
)

// CompensationFailure: отметка о застрявших деньгах для ручного разбора.
type CompensationFailure struct {
	ID             int64      `db:"id" json:"id"`
	Source         string     `db:"source" json:"source"`
	AttemptID      string     `db:"attempt_id" json:"attemptId"`
	UserID         int64      `db:"user_id" json:"userId"`
	AmountCents    int64      `db:"amount_cents" json:"amountCents"`
	Error          string     `db:"error" json:"error"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedBy     *int64     `db:"resolved_by" json:"resolvedBy,omitempty"`
	ResolutionNote string     `db:"resolution_note" json:"resolutionNote,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// Resolved сообщает, что администратор разобрал случай.
func (f *CompensationFailure) Resolved() bool {
	return f.ResolvedAt != nil
}

// RecoveryReport: итог одного прохода Recover.
type RecoveryReport struct {
	Scanned     int `json:"scanned"`
	Fulfilled   int `json:"fulfilled"`
	Compensated int `json:"compensated"`
	Aborted     int `json:"aborted"`
	Stuck       int `json:"stuck"`
	Skipped     int `json:"skipped"`
}

// LessonUnlock: запись о выдаче урока. Один урок открывается пользователю не больше одного раза.
type LessonUnlock struct {
	ID          int64     `db:"id" json:"id"`
	UserID      int64     `db:"user_id" json:"userId"`
	CourseID    int64     `db:"course_id" json:"courseId"`
	LessonID    int64     `db:"lesson_id" json:"lessonId"`
	AmountCents int64     `db:"amount_cents" json:"amountCents"`
	AttemptID   *string   `db:"attempt_id" json:"attemptId,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// LessonRef: ссылка на урок внутри курса.
type LessonRef struct {
	CourseID int64
	LessonID int64
}

const lessonPrefix = "lesson:"

// String даёт product_ref вида "lesson:<courseId>:<lessonId>".
func (l LessonRef) String() string {
	return fmt.Sprintf("%s%d:%d", lessonPrefix, l.CourseID, l.LessonID)
}

// ParseLessonRef разбирает product_ref урока.
func ParseLessonRef(ref string) (LessonRef, error) {
	rest, ok := strings.CutPrefix(ref, lessonPrefix)
	if !ok {
		return LessonRef{}, fmt.Errorf("%w: %q", common.ErrInvalidProduct, ref)
	}
	course, lesson, ok := strings.Cut(rest, ":")
	if !ok {
		return LessonRef{}, fmt.Errorf("%w: %q", common.ErrInvalidProduct, ref)
	}
	c, err1 := strconv.ParseInt(course, 10, 64)
	l, err2 := strconv.ParseInt(lesson, 10, 64)
	if err1 != nil || err2 != nil || c <= 0 || l <= 0 {
		return LessonRef{}, fmt.Errorf("%w: %q", common.ErrInvalidProduct, ref)
	}
	return LessonRef{CourseID: c, LessonID: l}, nil
}

// DebitKey и RefundKey: ключи идемпотентности списания и возврата попытки.
func DebitKey(attemptID string) string  { return "purchase:" + attemptID }
func RefundKey(attemptID string) string { return "refund:" + attemptID }

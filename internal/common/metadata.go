package common

import (
	"fmt"
	"strconv"
)

// Metadata: свободный набор примитивных значений, привязанный к транзакции
// или событию начисления. Форма зависит от действия, поэтому схемы нет;
// компоненты, которые читают конкретные ключи, проверяют их сами.
type Metadata map[string]any

// Стандартные ключи метаданных.
const (
	MetaReason      = "reason"
	MetaAction      = "action"
	MetaReferenceID = "reference_id"
	MetaExternalRef = "external_ref"
	MetaRewardID    = "reward_id"
	MetaCourseID    = "course_id"
	MetaLessonID    = "lesson_id"
	MetaAttemptID   = "attempt_id"
	MetaRefundOf    = "refund_of"
)

// With возвращает копию с добавленным ключом. Исходная карта не меняется.
func (m Metadata) With(key string, value any) Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// String возвращает строковое значение ключа.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Int64 возвращает целое значение ключа. После JSON числа приходят как float64,
// строки тоже допускаются.
func (m Metadata) Int64(key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Reason возвращает причину операции или пустую строку.
func (m Metadata) Reason() string {
	s, _ := m.String(MetaReason)
	return s
}

// Validate проверяет, что значения примитивные: строки, числа, bool.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("метаданные: ключ %q имеет непримитивный тип %T", k, v)
		}
	}
	return nil
}

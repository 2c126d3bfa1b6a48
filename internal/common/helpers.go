// Package common содержит общие утилиты леджера: ошибки, метаданные,
// форматирование сумм и работу с датами в часовом поясе приложения.
package common

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	locMu    sync.RWMutex
	location = time.FixedZone("MSK", 3*60*60)
)

// SetTimezone задаёт часовой пояс приложения (APP_TIMEZONE).
// Если пояс не загрузился, остаётся UTC+3.
func SetTimezone(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("неизвестный часовой пояс %q: %w", name, err)
	}
	locMu.Lock()
	location = loc
	locMu.Unlock()
	return nil
}

// Location возвращает часовой пояс приложения.
func Location() *time.Location {
	locMu.RLock()
	defer locMu.RUnlock()
	return location
}

// Now возвращает текущее время в часовом поясе приложения.
func Now() time.Time {
	return time.Now().In(Location())
}

// DateOf отрезает время, оставляя календарную дату в часовом поясе приложения.
// Используется для дедупликации дней активности.
func DateOf(t time.Time) time.Time {
	t = t.In(Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// FormatDateTime форматирует время в формат "02.01.2006 15:04".
func FormatDateTime(t time.Time) string {
	return t.In(Location()).Format("02.01.2006 15:04")
}

// CentsToDecimal переводит минорные единицы в десятичную сумму.
//
// Пример: CentsToDecimal(12345) → 123.45
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FormatMoney форматирует сумму в минорных единицах с валютой.
//
// Примеры:
//
//	FormatMoney(12345, "RUB")  → "123.45 RUB"
//	FormatMoney(-500, "RUB")   → "-5.00 RUB"
func FormatMoney(cents int64, currency string) string {
	return CentsToDecimal(cents).StringFixed(2) + " " + currency
}

// FormatSignedMoney добавляет знак "+" для зачислений.
func FormatSignedMoney(cents int64, currency string) string {
	if cents > 0 {
		return "+" + FormatMoney(cents, currency)
	}
	return FormatMoney(cents, currency)
}

// ParseMoney разбирает строку вида "123.45" в минорные единицы.
// Больше двух знаков после точки считается ошибкой.
func ParseMoney(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("некорректная сумма %q: %w", s, err)
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("некорректная сумма %q: больше двух знаков после точки", s)
	}
	return cents.IntPart(), nil
}

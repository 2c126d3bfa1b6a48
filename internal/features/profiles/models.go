// Package profiles хранит профиль участника программы лояльности:
// его реферальный код и того, кто его пригласил.
// models.go описывает структуры данных для работы с таблицей profiles.
package profiles

import "time"

// Profile представляет участника в базе данных.
// Создаётся лениво при первом обращении к реферальной программе.
type Profile struct {
	UserID       int64     `db:"user_id" json:"userId"`                     // ID пользователя (уникальный)
	ReferralCode string    `db:"referral_code" json:"referralCode"`         // Личный код для приглашений
	ReferredBy   *int64    `db:"referred_by" json:"referredBy,omitempty"`   // Кто пригласил (nil, если никто)
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`               // Когда профиль создан
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`               // Последнее обновление
}

// IsReferred сообщает, что участник уже привязан к пригласившему.
func (p *Profile) IsReferred() bool {
	return p.ReferredBy != nil
}

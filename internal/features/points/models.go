// Package points превращает действия пользователя в баллы на кошельке.
// Таблица правил (action → количество баллов) задаётся администратором,
// каждое начисление оставляет запись PointEvent для истории и дедупликации.
package points

import (
	"time"
)

// Известные действия. Таблица правил может содержать и другие.
const (
	ActionDiaryPost       = "diary_post"
	ActionDiaryComment    = "diary_comment"
	ActionFeedShareX      = "feed_share_x"
	ActionReferral5Day    = "referral_5day"
	ActionReferral10Day   = "referral_10day"
	ActionAdminAdjustment = "admin_adjustment" // Количество задаёт администратор, правило не читается
)

// Rule: правило начисления для одного действия.
type Rule struct {
	Action      string    `db:"action" json:"action"`
	Points      int64     `db:"points" json:"points"` // Может быть 0
	Description string    `db:"description" json:"description"`
	IsActive    bool      `db:"is_active" json:"isActive"` // Неактивное правило начисляет 0
	UpdatedBy   *int64    `db:"updated_by" json:"updatedBy,omitempty"`
	Version     int64     `db:"version" json:"version"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Event: запись о начислении. Одна на каждое срабатывание действия.
type Event struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"userId"`
	Action        string    `db:"action" json:"action"`
	PointsAwarded int64     `db:"points_awarded" json:"pointsAwarded"`
	ReferenceID   string    `db:"reference_id" json:"referenceId,omitempty"`
	TransactionID *string   `db:"transaction_id" json:"transactionId,omitempty"` // nil, если баллов 0
	RuleVersion   int64     `db:"rule_version" json:"ruleVersion"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// seedFile: формат YAML с начальной таблицей правил.
type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	Action      string `yaml:"action"`
	Points      int64  `yaml:"points"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"` // По умолчанию true
}

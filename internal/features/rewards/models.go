// Package rewards ведёт каталог наград, которые покупаются за баллы.
// Остаток награды конечен (или не ограничен, если stock = NULL) и уменьшается
// только внутри успешного обмена.
package rewards

import (
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// Reward представляет позицию каталога.
type Reward struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	ImageURL    string    `db:"image_url" json:"imageUrl"`
	CostPoints  int64     `db:"cost_points" json:"costPoints"`
	Stock       *int      `db:"stock" json:"stock"` // nil: без ограничений
	IsActive    bool      `db:"is_active" json:"isActive"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Unlimited сообщает, что остаток не ограничен.
func (r *Reward) Unlimited() bool {
	return r.Stock == nil
}

// Available сообщает, можно ли сейчас обменять quantity единиц.
// Окончательное решение принимает условное списание остатка.
func (r *Reward) Available(quantity int) bool {
	if !r.IsActive {
		return false
	}
	return r.Stock == nil || *r.Stock >= quantity
}

// Redemption: успешный обмен баллов на награду.
type Redemption struct {
	ID            int64           `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"userId"`
	RewardID      int64           `db:"reward_id" json:"rewardId"`
	Quantity      int             `db:"quantity" json:"quantity"`
	PointsSpent   int64           `db:"points_spent" json:"pointsSpent"`
	TransactionID *string         `db:"transaction_id" json:"transactionId,omitempty"` // nil для бесплатной награды
	Metadata      common.Metadata `db:"metadata" json:"metadata"`                      // Доставка, комментарии
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// RewardInput: поля, которые администратор задаёт при создании и изменении.
type RewardInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	CostPoints  int64  `json:"costPoints"`
	Stock       *int   `json:"stock"` // Учитывается только при создании
	IsActive    bool   `json:"isActive"`
}

// Package referral ведёт реферальную программу: привязку приглашённого к пригласившему,
// счёт дней активности приглашённого и разовые награды пригласившему на порогах.
// models.go описывает структуры данных реферала.
package referral

import (
	"time"

	"serotonyl.ru/wellness-ledger/internal/features/points"
)

// Referral: одна успешная активация кода. Ключ: приглашённый (пригласить можно только один раз).
type Referral struct {
	ID                 int64     `db:"id" json:"id"`
	InviteeUserID      int64     `db:"invitee_user_id" json:"inviteeUserId"`
	ReferrerUserID     int64     `db:"referrer_user_id" json:"referrerUserId"`
	ReferralCode       string    `db:"referral_code" json:"referralCode"`
	InviteeJoinedAt    time.Time `db:"invitee_joined_at" json:"inviteeJoinedAt"`
	InviteeDayCount    int       `db:"invitee_day_count" json:"inviteeDayCount"`         // Различных дней активности с момента активации
	Reward5DayAwarded  bool      `db:"reward_5day_awarded" json:"reward5DayAwarded"`   // Переключается ровно один раз
	Reward10DayAwarded bool      `db:"reward_10day_awarded" json:"reward10DayAwarded"` // Переключается ровно один раз
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time `db:"updated_at" json:"updatedAt"`
}

// Milestone: порог дней, после которого пригласивший получает баллы.
type Milestone int

// Пороги. Количество дней для каждого задаётся в конфиге.
const (
	MilestoneFirst  Milestone = 1
	MilestoneSecond Milestone = 2
)

// Action возвращает действие для таблицы правил.
func (m Milestone) Action() string {
	if m == MilestoneSecond {
		return points.ActionReferral10Day
	}
	return points.ActionReferral5Day
}

// Awarded сообщает, выдана ли уже награда за порог.
func (m Milestone) Awarded(r *Referral) bool {
	if m == MilestoneSecond {
		return r.Reward10DayAwarded
	}
	return r.Reward5DayAwarded
}

// Thresholds: сколько дней нужно для каждого порога.
type Thresholds struct {
	First  int
	Second int
}

// DefaultThresholds: 5 и 10 дней.
var DefaultThresholds = Thresholds{First: 5, Second: 10}

// Days возвращает порог в днях.
func (t Thresholds) Days(m Milestone) int {
	if m == MilestoneSecond {
		return t.Second
	}
	return t.First
}

// DayResult: итог одного сигнала активности.
type DayResult struct {
	Referral *Referral `json:"referral"`
	Counted  bool      `json:"counted"` // false: этот день уже учтён или он раньше активации
	Awarded  []string  `json:"awarded"` // Действия, за которые пригласивший получил баллы в этом вызове
}

// Stats: сводка для пригласившего.
type Stats struct {
	ReferrerUserID int64 `json:"referrerUserId"`
	Invited        int   `json:"invited"`
	ReachedFirst   int   `json:"reachedFirst"`
	ReachedSecond  int   `json:"reachedSecond"`
}

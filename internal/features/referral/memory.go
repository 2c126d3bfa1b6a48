package referral

import (
	"context"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
)

// MemoryRepository хранит рефералов в памяти процесса.
// Привязку профиля делает через profiles.MemoryRepository под своим мьютексом,
// чтобы Claim оставался атомарным так же, как транзакция в PostgreSQL.
type MemoryRepository struct {
	mu        sync.Mutex
	profiles  *profiles.MemoryRepository
	byID      map[int64]*Referral
	byInvitee map[int64]int64
	days      map[int64]map[string]bool
	nextID    int64
}

// NewMemoryRepository создаёт пустое хранилище рефералов.
func NewMemoryRepository(profileRepo *profiles.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		profiles:  profileRepo,
		byID:      make(map[int64]*Referral),
		byInvitee: make(map[int64]int64),
		days:      make(map[int64]map[string]bool),
	}
}

func (r *MemoryRepository) Claim(_ context.Context, inviteeID, referrerID int64, code string) (*Referral, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byInvitee[inviteeID]; ok {
		c := *r.byID[id]
		return &c, false, nil
	}

	current, _, err := r.profiles.LinkReferrer(inviteeID, referrerID)
	if err != nil {
		return nil, false, err
	}
	if current != referrerID {
		return nil, false, common.ErrAlreadyReferred
	}

	r.nextID++
	now := time.Now().UTC()
	ref := &Referral{
		ID:              r.nextID,
		InviteeUserID:   inviteeID,
		ReferrerUserID:  referrerID,
		ReferralCode:    code,
		InviteeJoinedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.byID[ref.ID] = ref
	r.byInvitee[inviteeID] = ref.ID
	c := *ref
	return &c, true, nil
}

func (r *MemoryRepository) GetByInvitee(_ context.Context, inviteeID int64) (*Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byInvitee[inviteeID]
	if !ok {
		return nil, common.ErrReferralNotFound
	}
	c := *r.byID[id]
	return &c, nil
}

func (r *MemoryRepository) RecordDay(_ context.Context, referralID int64, day time.Time) (*Referral, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byID[referralID]
	if !ok {
		return nil, false, common.ErrReferralNotFound
	}

	key := day.Format("2006-01-02")
	if r.days[referralID] == nil {
		r.days[referralID] = make(map[string]bool)
	}
	counted := !r.days[referralID][key]
	if counted {
		r.days[referralID][key] = true
		ref.InviteeDayCount++
		ref.UpdatedAt = time.Now().UTC()
	}
	c := *ref
	return &c, counted, nil
}

func (r *MemoryRepository) MarkMilestone(_ context.Context, referralID int64, m Milestone) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byID[referralID]
	if !ok {
		return false, common.ErrReferralNotFound
	}
	flag := &ref.Reward5DayAwarded
	if m == MilestoneSecond {
		flag = &ref.Reward10DayAwarded
	}
	if *flag {
		return false, nil
	}
	*flag = true
	ref.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepository) ListByReferrer(_ context.Context, referrerID int64) ([]*Referral, error) {
	return r.filter(func(ref *Referral) bool { return ref.ReferrerUserID == referrerID }), nil
}

func (r *MemoryRepository) ListPendingMilestones(_ context.Context, t Thresholds) ([]*Referral, error) {
	return r.filter(func(ref *Referral) bool {
		return (ref.InviteeDayCount >= t.First && !ref.Reward5DayAwarded) ||
			(ref.InviteeDayCount >= t.Second && !ref.Reward10DayAwarded)
	}), nil
}

// SetJoinedAt переносит дату активации. Нужен тестам, которые проверяют дни до активации.
func (r *MemoryRepository) SetJoinedAt(referralID int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.byID[referralID]; ok {
		ref.InviteeJoinedAt = at
	}
}

func (r *MemoryRepository) filter(keep func(*Referral) bool) []*Referral {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Referral
	for _, ref := range r.byID {
		if keep(ref) {
			c := *ref
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

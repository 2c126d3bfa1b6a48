package rewards

import (
	"context"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// MemoryRepository хранит каталог в памяти процесса.
type MemoryRepository struct {
	mu          sync.Mutex
	rewards     map[int64]*Reward
	redemptions []*Redemption
	nextReward  int64
	nextRedeem  int64
}

// NewMemoryRepository создаёт пустой каталог.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rewards: make(map[int64]*Reward)}
}

func (r *MemoryRepository) Create(_ context.Context, rw *Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextReward++
	now := time.Now().UTC()
	rw.ID = r.nextReward
	rw.CreatedAt, rw.UpdatedAt = now, now
	r.rewards[rw.ID] = cloneReward(rw)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, rw *Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rewards[rw.ID]
	if !ok {
		return common.ErrRewardNotFound
	}
	cur.Title, cur.Description, cur.ImageURL = rw.Title, rw.Description, rw.ImageURL
	cur.CostPoints, cur.IsActive = rw.CostPoints, rw.IsActive
	cur.UpdatedAt = time.Now().UTC()
	rw.Stock = cloneReward(cur).Stock
	rw.UpdatedAt = cur.UpdatedAt
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (*Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rewards[id]
	if !ok {
		return nil, common.ErrRewardNotFound
	}
	return cloneReward(cur), nil
}

func (r *MemoryRepository) List(_ context.Context, includeInactive bool) ([]*Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Reward
	for _, rw := range r.rewards {
		if includeInactive || rw.IsActive {
			out = append(out, cloneReward(rw))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostPoints != out[j].CostPoints {
			return out[i].CostPoints < out[j].CostPoints
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) ReserveStock(_ context.Context, id int64, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rewards[id]
	if !ok || cur.Stock == nil || *cur.Stock < quantity {
		return common.ErrOutOfStock
	}
	*cur.Stock -= quantity
	return nil
}

func (r *MemoryRepository) ReleaseStock(_ context.Context, id int64, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rewards[id]; ok && cur.Stock != nil {
		*cur.Stock += quantity
	}
	return nil
}

func (r *MemoryRepository) Restock(_ context.Context, id int64, delta int) (*Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rewards[id]
	if !ok {
		return nil, common.ErrRewardNotFound
	}
	stock := delta
	if cur.Stock != nil {
		stock += *cur.Stock
	}
	cur.Stock = &stock
	cur.UpdatedAt = time.Now().UTC()
	return cloneReward(cur), nil
}

func (r *MemoryRepository) InsertRedemption(_ context.Context, rd *Redemption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRedeem++
	rd.ID = r.nextRedeem
	rd.CreatedAt = time.Now().UTC()
	c := *rd
	r.redemptions = append(r.redemptions, &c)
	return nil
}

func (r *MemoryRepository) ListRedemptions(_ context.Context, userID int64, limit int) ([]*Redemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Redemption
	for i := len(r.redemptions) - 1; i >= 0 && len(out) < limit; i-- {
		if r.redemptions[i].UserID == userID {
			c := *r.redemptions[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func cloneReward(rw *Reward) *Reward {
	c := *rw
	if rw.Stock != nil {
		s := *rw.Stock
		c.Stock = &s
	}
	return &c
}

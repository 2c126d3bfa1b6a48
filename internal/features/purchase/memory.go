package purchase

import (
	"context"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// MemoryRepository хранит попытки в памяти процесса.
type MemoryRepository struct {
	mu         sync.Mutex
	attempts   map[string]*Attempt
	failures   map[int64]*CompensationFailure
	byAttempt  map[string]int64
	nextFailID int64
	now        func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище попыток.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		attempts:  make(map[string]*Attempt),
		failures:  make(map[int64]*CompensationFailure),
		byAttempt: make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Create(_ context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	a.CreatedAt, a.UpdatedAt = now, now
	r.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, common.ErrAttemptNotFound
	}
	return cloneAttempt(a), nil
}

func (r *MemoryRepository) Transition(_ context.Context, id string, from []State, to State, upd Update) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, common.ErrAttemptNotFound
	}
	if !containsState(from, a.State) {
		return nil, errStaleState
	}
	a.State = to
	if upd.DebitTxID != nil {
		v := *upd.DebitTxID
		a.DebitTxID = &v
	}
	if upd.RefundTxID != nil {
		v := *upd.RefundTxID
		a.RefundTxID = &v
	}
	if upd.LastError != "" {
		a.LastError = upd.LastError
	}
	a.UpdatedAt = r.now()
	return cloneAttempt(a), nil
}

func (r *MemoryRepository) ListStale(_ context.Context, states []State, before time.Time) ([]*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Attempt
	for _, a := range r.attempts {
		if containsState(states, a.State) && a.UpdatedAt.Before(before) {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID int64, limit int) ([]*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Attempt
	for _, a := range r.attempts {
		if a.UserID == userID {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) InsertFailure(_ context.Context, f *CompensationFailure) (*CompensationFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byAttempt[f.AttemptID]; ok {
		return cloneFailure(r.failures[id]), nil
	}
	r.nextFailID++
	stored := cloneFailure(f)
	stored.Source = failureSource(f)
	stored.ID = r.nextFailID
	stored.CreatedAt = r.now()
	r.failures[stored.ID] = stored
	r.byAttempt[f.AttemptID] = stored.ID
	return cloneFailure(stored), nil
}

func (r *MemoryRepository) FailureByAttempt(_ context.Context, attemptID string) (*CompensationFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAttempt[attemptID]
	if !ok {
		return nil, common.ErrFailureNotFound
	}
	return cloneFailure(r.failures[id]), nil
}

func (r *MemoryRepository) ListFailures(_ context.Context, unresolvedOnly bool) ([]*CompensationFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CompensationFailure
	for _, f := range r.failures {
		if unresolvedOnly && f.Resolved() {
			continue
		}
		out = append(out, cloneFailure(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) ResolveFailure(_ context.Context, id, adminID int64, note string) (*CompensationFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.failures[id]
	if !ok {
		return nil, common.ErrFailureNotFound
	}
	if !f.Resolved() {
		now := r.now()
		admin := adminID
		f.ResolvedAt = &now
		f.ResolvedBy = &admin
		f.ResolutionNote = note
	}
	return cloneFailure(f), nil
}

// Age сдвигает updated_at попытки в прошлое. Нужен тестам восстановления.
func (r *MemoryRepository) Age(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.attempts[id]; ok {
		a.UpdatedAt = a.UpdatedAt.Add(-d)
	}
}

// MemoryLessonRepository хранит открытые уроки в памяти процесса.
type MemoryLessonRepository struct {
	mu      sync.Mutex
	unlocks map[[2]int64]*LessonUnlock
	nextID  int64
}

// NewMemoryLessonRepository создаёт пустое хранилище уроков.
func NewMemoryLessonRepository() *MemoryLessonRepository {
	return &MemoryLessonRepository{unlocks: make(map[[2]int64]*LessonUnlock)}
}

func (r *MemoryLessonRepository) InsertUnlock(_ context.Context, u *LessonUnlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int64{u.UserID, u.LessonID}
	if _, ok := r.unlocks[key]; ok {
		return common.ErrFulfillmentConflict
	}
	r.nextID++
	u.ID = r.nextID
	u.CreatedAt = time.Now().UTC()
	c := *u
	r.unlocks[key] = &c
	return nil
}

func (r *MemoryLessonRepository) GetUnlock(_ context.Context, userID, lessonID int64) (*LessonUnlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.unlocks[[2]int64{userID, lessonID}]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (r *MemoryLessonRepository) ListUnlocks(_ context.Context, userID, courseID int64) ([]*LessonUnlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*LessonUnlock
	for _, u := range r.unlocks {
		if u.UserID == userID && (courseID == 0 || u.CourseID == courseID) {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseID != out[j].CourseID {
			return out[i].CourseID < out[j].CourseID
		}
		return out[i].LessonID < out[j].LessonID
	})
	return out, nil
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func cloneAttempt(a *Attempt) *Attempt {
	c := *a
	if a.DebitTxID != nil {
		v := *a.DebitTxID
		c.DebitTxID = &v
	}
	if a.RefundTxID != nil {
		v := *a.RefundTxID
		c.RefundTxID = &v
	}
	if a.Metadata != nil {
		c.Metadata = make(common.Metadata, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneFailure(f *CompensationFailure) *CompensationFailure {
	c := *f
	if f.ResolvedAt != nil {
		v := *f.ResolvedAt
		c.ResolvedAt = &v
	}
	if f.ResolvedBy != nil {
		v := *f.ResolvedBy
		c.ResolvedBy = &v
	}
	return &c
}

package points

import (
	"context"
	"sync"
	"time"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// MemoryRepository хранит правила и события в памяти процесса.
type MemoryRepository struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	events  []*Event
	byRef   map[eventKey]*Event
	version int64
	nextID  int64
}

type eventKey struct {
	userID int64
	action string
	ref    string
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules: make(map[string]Rule),
		byRef: make(map[eventKey]*Event),
	}
}

func (r *MemoryRepository) ListRules(_ context.Context) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return NewRuleBook(r.rulesLocked()).Rules(), nil
}

func (r *MemoryRepository) UpsertRule(_ context.Context, rule Rule) (*Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	rule.Version = r.version
	rule.UpdatedAt = time.Now().UTC()
	r.rules[rule.Action] = rule
	return &rule, nil
}

func (r *MemoryRepository) SeedRules(_ context.Context, rules []Rule) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rules) > 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		r.version++
		rule.Version = r.version
		rule.UpdatedAt = now
		r.rules[rule.Action] = rule
	}
	return len(rules), nil
}

func (r *MemoryRepository) FindEvent(_ context.Context, userID int64, action, referenceID string) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byRef[eventKey{userID, action, referenceID}]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventKey{e.UserID, e.Action, e.ReferenceID}
	if e.ReferenceID != "" {
		if _, ok := r.byRef[key]; ok {
			return common.ErrAlreadyAwarded
		}
	}
	r.nextID++
	e.ID = r.nextID
	e.CreatedAt = time.Now().UTC()

	stored := *e
	r.events = append(r.events, &stored)
	if e.ReferenceID != "" {
		r.byRef[key] = &stored
	}
	return nil
}

func (r *MemoryRepository) ListEvents(_ context.Context, userID int64, limit int) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].UserID != userID {
			continue
		}
		c := *r.events[i]
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryRepository) rulesLocked() []Rule {
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}

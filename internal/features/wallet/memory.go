package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// MemoryRepository хранит кошельки в памяти процесса (STORAGE_DRIVER=memory и тесты).
// Гарантии те же, что у PostgreSQL: у каждого кошелька свой мьютекс,
// операции над разными кошельками друг друга не блокируют.
type MemoryRepository struct {
	mu      sync.RWMutex
	wallets map[int64]*memWallet
	keys    map[string]*Transaction
	nextID  int64
}

type memWallet struct {
	mu  sync.Mutex
	w   Wallet
	txs []*Transaction
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets: make(map[int64]*memWallet),
		keys:    make(map[string]*Transaction),
	}
}

func (r *MemoryRepository) GetOrCreate(_ context.Context, userID int64, currency string) (*Wallet, error) {
	r.mu.Lock()
	mw, ok := r.wallets[userID]
	if !ok {
		r.nextID++
		now := time.Now().UTC()
		mw = &memWallet{w: Wallet{
			ID:        r.nextID,
			UserID:    userID,
			Currency:  currency,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		r.wallets[userID] = mw
	}
	r.mu.Unlock()

	mw.mu.Lock()
	defer mw.mu.Unlock()
	w := mw.w
	return &w, nil
}

func (r *MemoryRepository) Get(_ context.Context, userID int64) (*Wallet, error) {
	mw, err := r.lookup(userID)
	if err != nil {
		return nil, err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	w := mw.w
	return &w, nil
}

func (r *MemoryRepository) Apply(ctx context.Context, e Entry) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.Metadata.Validate(); err != nil {
		return nil, err
	}
	mw, err := r.lookup(e.UserID)
	if err != nil {
		return nil, err
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()

	if e.IdempotencyKey != "" {
		r.mu.RLock()
		_, seen := r.keys[e.IdempotencyKey]
		r.mu.RUnlock()
		if seen {
			return nil, common.ErrDuplicateTransaction
		}
	}

	next, record, err := applyEntry(mw.w, e, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	record.Metadata = copyMetadata(record.Metadata)

	// Ключ резервируем под общим мьютексом: два разных кошелька
	// не должны записать один и тот же ключ
	if e.IdempotencyKey != "" {
		r.mu.Lock()
		if _, seen := r.keys[e.IdempotencyKey]; seen {
			r.mu.Unlock()
			return nil, common.ErrDuplicateTransaction
		}
		r.keys[e.IdempotencyKey] = &record
		r.mu.Unlock()
	}

	mw.w = next
	mw.txs = append(mw.txs, &record)

	out := record
	return &out, nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, userID int64, status Status) (*Wallet, error) {
	mw, err := r.lookup(userID)
	if err != nil {
		return nil, err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.w.Status = status
	mw.w.UpdatedAt = time.Now().UTC()
	w := mw.w
	return &w, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, userID int64, limit int, beforeSeq int64) ([]*Transaction, error) {
	r.mu.RLock()
	mw, ok := r.wallets[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()

	if limit <= 0 {
		limit = len(mw.txs)
	}
	out := make([]*Transaction, 0, limit)
	for i := len(mw.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := mw.txs[i]
		if beforeSeq > 0 && tx.Seq >= beforeSeq {
			continue
		}
		c := *tx
		out = append(out, &c)
	}
	return out, nil
}

func (r *MemoryRepository) FindByIdempotencyKey(_ context.Context, key string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.keys[key]
	if !ok {
		return nil, fmt.Errorf("транзакция с ключом %q: %w", key, pgx.ErrNoRows)
	}
	c := *tx
	return &c, nil
}

func (r *MemoryRepository) Reconcile(_ context.Context, userID int64) (*Reconciliation, error) {
	mw, err := r.lookup(userID)
	if err != nil {
		return nil, err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return verifyChain(mw.w, mw.txs), nil
}

func (r *MemoryRepository) ListUserIDs(_ context.Context) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.wallets))
	for id := range r.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *MemoryRepository) lookup(userID int64) (*memWallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mw, ok := r.wallets[userID]
	if !ok {
		return nil, common.ErrWalletNotFound
	}
	return mw, nil
}

func copyMetadata(m common.Metadata) common.Metadata {
	out := make(common.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

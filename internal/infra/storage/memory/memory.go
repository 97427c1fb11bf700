package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

type MemoryStorage struct {
	cursors map[domain.ChainID]*domain.Cursor
	proofs  map[domain.ProofKey]*domain.ProofRecord
	inbox   map[string]*domain.LockEvent
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cursors: make(map[domain.ChainID]*domain.Cursor),
		proofs:  make(map[domain.ProofKey]*domain.ProofRecord),
		inbox:   make(map[string]*domain.LockEvent),
		now:     time.Now,
	}
}

// NewStore returns a storage.Store backed by a fresh MemoryStorage.
func NewStore() *storage.Store {
	s := NewMemoryStorage()
	return storage.NewStore(NewCursorRepo(s), NewProofRepo(s), NewInboxRepo(s))
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.cursors[chainID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *cursor
	cp.UpdatedAt = r.store.now()
	r.store.cursors[cursor.ChainID] = &cp
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Cursor, 0, len(r.store.cursors))
	for _, c := range r.store.cursors {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Proof Repository
// -----------------------------------------------------------------------------

type ProofRepo struct {
	store *MemoryStorage
}

func NewProofRepo(store *MemoryStorage) *ProofRepo {
	return &ProofRepo{store: store}
}

func (r *ProofRepo) Get(ctx context.Context, key domain.ProofKey) (*domain.ProofRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.proofs[key]
	if !ok {
		return nil, storage.ErrProofNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *ProofRepo) Reserve(
	ctx context.Context,
	rec *domain.ProofRecord,
) (*domain.ProofRecord, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if existing, ok := r.store.proofs[rec.Key]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := r.store.now()
	cp := *rec
	cp.State = domain.ProofStatePending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.store.proofs[rec.Key] = &cp
	return nil, true, nil
}

func (r *ProofRepo) MarkSubmitted(
	ctx context.Context,
	key domain.ProofKey,
	txHash common.Hash,
	nonce uint64,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.proofs[key]
	if !ok {
		return storage.ErrProofNotFound
	}
	if rec.State == domain.ProofStateRecorded {
		return storage.ErrInvalidState
	}
	rec.State = domain.ProofStateSubmitted
	rec.TxHash = txHash
	rec.Nonce = nonce
	rec.UpdatedAt = r.store.now()
	return nil
}

func (r *ProofRepo) MarkRecorded(ctx context.Context, key domain.ProofKey, txHash common.Hash) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.proofs[key]
	if !ok {
		return storage.ErrProofNotFound
	}
	if rec.State == domain.ProofStateRecorded {
		return nil
	}
	rec.State = domain.ProofStateRecorded
	if txHash != (common.Hash{}) {
		rec.TxHash = txHash
	}
	rec.UpdatedAt = r.store.now()
	return nil
}

func (r *ProofRepo) Release(ctx context.Context, key domain.ProofKey) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if rec, ok := r.store.proofs[key]; ok && rec.State == domain.ProofStatePending {
		delete(r.store.proofs, key)
	}
	return nil
}

func (r *ProofRepo) Discard(ctx context.Context, key domain.ProofKey, txHash common.Hash) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if rec, ok := r.store.proofs[key]; ok && rec.State == domain.ProofStateSubmitted && rec.TxHash == txHash {
		delete(r.store.proofs, key)
	}
	return nil
}

func (r *ProofRepo) ListByState(
	ctx context.Context,
	state domain.ProofState,
	limit int,
) ([]*domain.ProofRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.ProofRecord
	for _, rec := range r.store.proofs {
		if rec.State != state {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ProofRepo) CountByState(ctx context.Context) (map[domain.ProofState]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.ProofState]int)
	for _, rec := range r.store.proofs {
		counts[rec.State]++
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Inbox Repository
// -----------------------------------------------------------------------------

type InboxRepo struct {
	store *MemoryStorage
}

func NewInboxRepo(store *MemoryStorage) *InboxRepo {
	return &InboxRepo{store: store}
}

func (r *InboxRepo) Put(ctx context.Context, lock *domain.LockEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.inbox[lock.Ref()] = copyLock(lock)
	return nil
}

func (r *InboxRepo) Delete(ctx context.Context, ref string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.inbox, ref)
	return nil
}

func (r *InboxRepo) List(ctx context.Context) ([]*domain.LockEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.LockEvent, 0, len(r.store.inbox))
	for _, l := range r.store.inbox {
		out = append(out, copyLock(l))
	}
	storage.SortLocks(out)
	return out, nil
}

func copyLock(l *domain.LockEvent) *domain.LockEvent {
	cp := *l
	if l.Amount != nil {
		cp.Amount = new(big.Int).Set(l.Amount)
	}
	cp.MergedLockIDs = append([]common.Hash(nil), l.MergedLockIDs...)
	return &cp
}

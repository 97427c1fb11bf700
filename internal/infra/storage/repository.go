package storage

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a chain has no persisted cursor.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrProofNotFound is returned when no record exists for a proof key.
	ErrProofNotFound = errors.New("proof record not found")

	// ErrInvalidState is returned when a record is not in the state an update expects.
	ErrInvalidState = errors.New("proof record in unexpected state")
)

// CursorRepository persists watcher cursors.
type CursorRepository interface {
	// Get returns ErrCursorNotFound when the chain was never saved.
	Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error)

	Save(ctx context.Context, cursor *domain.Cursor) error

	List(ctx context.Context) ([]*domain.Cursor, error)
}

// ProofRepository is the idempotency store for cross-chain proof writes.
type ProofRepository interface {
	// Get returns ErrProofNotFound when the key is unknown.
	Get(ctx context.Context, key domain.ProofKey) (*domain.ProofRecord, error)

	// Reserve atomically inserts rec in PENDING state if no record exists
	// for rec.Key. When one exists it is returned unchanged and reserved
	// is false.
	Reserve(
		ctx context.Context,
		rec *domain.ProofRecord,
	) (existing *domain.ProofRecord, reserved bool, err error)

	// MarkSubmitted stores the broadcast transaction for a PENDING record.
	MarkSubmitted(ctx context.Context, key domain.ProofKey, txHash common.Hash, nonce uint64) error

	// MarkRecorded finalizes a record. It is idempotent.
	MarkRecorded(ctx context.Context, key domain.ProofKey, txHash common.Hash) error

	// Release drops a PENDING reservation. Records in other states are kept.
	Release(ctx context.Context, key domain.ProofKey) error

	// Discard drops a SUBMITTED record whose transaction txHash was mined
	// but reverted, so the proof can be written again. Records in any other
	// state, or holding another transaction, are kept.
	Discard(ctx context.Context, key domain.ProofKey, txHash common.Hash) error

	// ListByState returns up to limit records in state (limit <= 0 means all).
	ListByState(
		ctx context.Context,
		state domain.ProofState,
		limit int,
	) ([]*domain.ProofRecord, error)

	CountByState(ctx context.Context) (map[domain.ProofState]int, error)
}

// InboxRepository holds the locks the coordinator accepted until their job
// finishes, so locks still queued when the process stops are picked up again
// on the next start even though the watcher cursor already moved past them.
type InboxRepository interface {
	// Put stores lock under lock.Ref(), replacing an earlier copy.
	Put(ctx context.Context, lock *domain.LockEvent) error

	// Delete removes the lock stored under ref. Unknown refs are ignored.
	Delete(ctx context.Context, ref string) error

	// List returns every stored lock ordered by source chain, block and log index.
	List(ctx context.Context) ([]*domain.LockEvent, error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Cursors CursorRepository
	Proofs  ProofRepository
	Inbox   InboxRepository

	closers []io.Closer
}

// NewStore wraps repositories and the resources that back them.
func NewStore(
	cursors CursorRepository,
	proofs ProofRepository,
	inbox InboxRepository,
	closers ...io.Closer,
) *Store {
	return &Store{Cursors: cursors, Proofs: proofs, Inbox: inbox, closers: closers}
}

// SortLocks orders locks the way InboxRepository.List returns them.
func SortLocks(locks []*domain.LockEvent) {
	sort.Slice(locks, func(i, j int) bool {
		a, b := locks[i], locks[j]
		if a.SourceChainID != b.SourceChainID {
			return a.SourceChainID < b.SourceChainID
		}
		if a.SourceBlockNumber != b.SourceBlockNumber {
			return a.SourceBlockNumber < b.SourceBlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
}

// Close releases every backing resource.
func (s *Store) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

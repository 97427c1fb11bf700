// Package storagetest holds behaviour checks shared by every storage backend.
package storagetest

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// NewRecord builds a proof record for lock n on chain_a -> chain_b.
func NewRecord(n int64) *domain.ProofRecord {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	proof := domain.CrossChainProof{
		UserDID:       "did:example:alice",
		SourceChainID: "chain_a",
		TargetChainID: "chain_b",
		SourceTxHash:  common.BigToHash(big.NewInt(n + 1000)),
		Amount:        big.NewInt(1_000_000_000_000_000_000),
		IssuedAt:      issued,
		ExpiresAt:     issued.Add(domain.DefaultProofValidity),
	}
	return &domain.ProofRecord{
		Key:                  proof.Key(),
		LockID:               common.BigToHash(big.NewInt(n)),
		Proof:                proof,
		CredentialExchangeID: "cred-ex-1",
	}
}

// NewLock builds lock n of chain_a, emitted at block n with logIndex.
func NewLock(n int64, logIndex uint) *domain.LockEvent {
	return &domain.LockEvent{
		SourceChainID:     "chain_a",
		TargetChainID:     "chain_b",
		UserAddress:       common.HexToAddress("0xa11ce00000000000000000000000000000000001"),
		Amount:            new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000)),
		LockID:            common.BigToHash(big.NewInt(n)),
		SourceTxHash:      common.BigToHash(big.NewInt(n + 1000)),
		SourceBlockNumber: uint64(n),
		LogIndex:          logIndex,
	}
}

// RunProofRepository exercises the idempotency contract of a ProofRepository.
func RunProofRepository(t *testing.T, newRepo func(t *testing.T) storage.ProofRepository) {
	ctx := context.Background()

	t.Run("ReserveOnce", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(1)

		existing, reserved, err := repo.Reserve(ctx, rec)
		require.NoError(t, err)
		assert.True(t, reserved)
		assert.Nil(t, existing)

		existing, reserved, err = repo.Reserve(ctx, rec)
		require.NoError(t, err)
		assert.False(t, reserved)
		require.NotNil(t, existing)
		assert.Equal(t, domain.ProofStatePending, existing.State)
		assert.Equal(t, "did:example:alice", existing.Proof.UserDID)
		assert.Equal(t, rec.Proof.Amount.String(), existing.Proof.Amount.String())
		assert.True(t, rec.Proof.ExpiresAt.Equal(existing.Proof.ExpiresAt))
	})

	t.Run("ConcurrentReserve", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(2)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, reserved, err := repo.Reserve(ctx, rec)
				assert.NoError(t, err)
				if reserved {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(3)
		tx := common.HexToHash("0xfeed")

		_, _, err := repo.Reserve(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, repo.MarkSubmitted(ctx, rec.Key, tx, 7))

		got, err := repo.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.ProofStateSubmitted, got.State)
		assert.Equal(t, tx, got.TxHash)
		assert.Equal(t, uint64(7), got.Nonce)

		// Release must not drop a submitted record.
		require.NoError(t, repo.Release(ctx, rec.Key))
		_, err = repo.Get(ctx, rec.Key)
		require.NoError(t, err)

		require.NoError(t, repo.MarkRecorded(ctx, rec.Key, common.Hash{}))
		require.NoError(t, repo.MarkRecorded(ctx, rec.Key, common.Hash{}))

		got, err = repo.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.ProofStateRecorded, got.State)
		assert.Equal(t, tx, got.TxHash)

		assert.ErrorIs(t, repo.MarkSubmitted(ctx, rec.Key, tx, 8), storage.ErrInvalidState)
	})

	t.Run("ReleasePending", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(4)

		_, _, err := repo.Reserve(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, repo.Release(ctx, rec.Key))

		_, err = repo.Get(ctx, rec.Key)
		assert.ErrorIs(t, err, storage.ErrProofNotFound)

		_, reserved, err := repo.Reserve(ctx, rec)
		require.NoError(t, err)
		assert.True(t, reserved)
	})

	t.Run("DiscardRevertedSubmission", func(t *testing.T) {
		repo := newRepo(t)
		rec := NewRecord(5)
		tx := common.HexToHash("0xbad")

		_, _, err := repo.Reserve(ctx, rec)
		require.NoError(t, err)
		// PENDING records are left to Release.
		require.NoError(t, repo.Discard(ctx, rec.Key, common.Hash{}))
		_, err = repo.Get(ctx, rec.Key)
		require.NoError(t, err)

		require.NoError(t, repo.MarkSubmitted(ctx, rec.Key, tx, 3))
		require.NoError(t, repo.Discard(ctx, rec.Key, common.HexToHash("0xother")))
		_, err = repo.Get(ctx, rec.Key)
		require.NoError(t, err, "another transaction's revert must not drop the record")

		require.NoError(t, repo.Discard(ctx, rec.Key, tx))
		_, err = repo.Get(ctx, rec.Key)
		assert.ErrorIs(t, err, storage.ErrProofNotFound)

		_, reserved, err := repo.Reserve(ctx, rec)
		require.NoError(t, err)
		assert.True(t, reserved)

		require.NoError(t, repo.MarkSubmitted(ctx, rec.Key, tx, 4))
		require.NoError(t, repo.MarkRecorded(ctx, rec.Key, tx))
		require.NoError(t, repo.Discard(ctx, rec.Key, tx))
		got, err := repo.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, domain.ProofStateRecorded, got.State)
	})

	t.Run("ListAndCount", func(t *testing.T) {
		repo := newRepo(t)
		for i := int64(10); i < 13; i++ {
			_, _, err := repo.Reserve(ctx, NewRecord(i))
			require.NoError(t, err)
		}
		require.NoError(t, repo.MarkSubmitted(ctx, NewRecord(10).Key, common.HexToHash("0x1"), 1))
		require.NoError(t, repo.MarkRecorded(ctx, NewRecord(11).Key, common.HexToHash("0x2")))

		counts, err := repo.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[domain.ProofStatePending])
		assert.Equal(t, 1, counts[domain.ProofStateSubmitted])
		assert.Equal(t, 1, counts[domain.ProofStateRecorded])

		submitted, err := repo.ListByState(ctx, domain.ProofStateSubmitted, 0)
		require.NoError(t, err)
		require.Len(t, submitted, 1)
		assert.Equal(t, NewRecord(10).Key, submitted[0].Key)
	})

	t.Run("Missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "chain_a:chain_b:0x00")
		assert.ErrorIs(t, err, storage.ErrProofNotFound)
		assert.ErrorIs(t, repo.MarkRecorded(ctx, "nope", common.Hash{}), storage.ErrProofNotFound)
	})
}

// RunInboxRepository exercises an InboxRepository.
func RunInboxRepository(t *testing.T, newRepo func(t *testing.T) storage.InboxRepository) {
	ctx := context.Background()

	t.Run("PutListDelete", func(t *testing.T) {
		repo := newRepo(t)

		locks, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, locks)

		late, early, sibling := NewLock(9, 0), NewLock(3, 1), NewLock(3, 0)
		sibling.MergedLockIDs = []common.Hash{common.HexToHash("0x33")}
		for _, l := range []*domain.LockEvent{late, early, sibling} {
			require.NoError(t, repo.Put(ctx, l))
		}
		// Put is keyed by ref; a redelivered lock replaces its copy.
		require.NoError(t, repo.Put(ctx, early))

		locks, err = repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 3)
		assert.Equal(t, sibling.Ref(), locks[0].Ref())
		assert.Equal(t, early.Ref(), locks[1].Ref())
		assert.Equal(t, late.Ref(), locks[2].Ref())
		assert.Equal(t, sibling.MergedLockIDs, locks[0].MergedLockIDs)
		assert.Equal(t, late.Amount.String(), locks[2].Amount.String())
		assert.Equal(t, late.UserAddress, locks[2].UserAddress)

		require.NoError(t, repo.Delete(ctx, early.Ref()))
		require.NoError(t, repo.Delete(ctx, "chain_a:0x00:0"))

		locks, err = repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 2)
		assert.Equal(t, sibling.Ref(), locks[0].Ref())
		assert.Equal(t, late.Ref(), locks[1].Ref())
	})
}

// RunCursorRepository exercises a CursorRepository.
func RunCursorRepository(t *testing.T, newRepo func(t *testing.T) storage.CursorRepository) {
	ctx := context.Background()

	t.Run("SaveGet", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.Get(ctx, "chain_a")
		assert.ErrorIs(t, err, storage.ErrCursorNotFound)

		require.NoError(t, repo.Save(ctx, &domain.Cursor{
			ChainID:            "chain_a",
			LastProcessedBlock: domain.NoBlockProcessed,
			State:              domain.WatcherStateInit,
		}))
		require.NoError(t, repo.Save(ctx, &domain.Cursor{
			ChainID:            "chain_a",
			LastProcessedBlock: 42,
			State:              domain.WatcherStatePolling,
		}))
		require.NoError(t, repo.Save(ctx, &domain.Cursor{
			ChainID:            "chain_b",
			LastProcessedBlock: 7,
			State:              domain.WatcherStatePolling,
		}))

		c, err := repo.Get(ctx, "chain_a")
		require.NoError(t, err)
		assert.Equal(t, int64(42), c.LastProcessedBlock)
		assert.Equal(t, domain.WatcherStatePolling, c.State)
		assert.False(t, c.UpdatedAt.IsZero())

		all, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, domain.ChainID("chain_a"), all[0].ChainID)
		assert.Equal(t, domain.ChainID("chain_b"), all[1].ChainID)
	})
}

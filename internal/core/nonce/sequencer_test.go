package nonce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

var account = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

type fakeSource struct {
	pending atomic.Uint64
	calls   atomic.Int32
	err     error
	delay   time.Duration
}

func (f *fakeSource) PendingNonce(ctx context.Context, _ common.Address) (uint64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.pending.Load(), nil
}

func newSequencer(src *fakeSource) *Sequencer {
	return NewSequencer(map[domain.ChainID]Source{"chain_b": src})
}

// sendOK sends a broadcast that always succeeds.
func sendOK(ctx context.Context, s *Sequencer, chain domain.ChainID) (uint64, error) {
	return s.Send(ctx, chain, account, func(uint64) error { return nil })
}

func TestSend_SeedsOnceAndIncrements(t *testing.T) {
	src := &fakeSource{}
	src.pending.Store(7)
	s := newSequencer(src)
	ctx := context.Background()

	for want := uint64(7); want < 10; want++ {
		n, err := sendOK(ctx, s, "chain_b")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	next, seeded := s.Peek("chain_b", account)
	assert.True(t, seeded)
	assert.Equal(t, uint64(10), next)
}

func TestSend_ConcurrentCallersGetDistinctNonces(t *testing.T) {
	src := &fakeSource{delay: 10 * time.Millisecond}
	src.pending.Store(100)
	s := newSequencer(src)

	const k = 64
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint64
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := sendOK(context.Background(), s, "chain_b")
			assert.NoError(t, err)
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, k)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		assert.Equal(t, uint64(100+i), n)
	}
	assert.Equal(t, int32(1), src.calls.Load(), "seeded more than once")
}

func TestSend_SeedErrorLeavesCounterUnseeded(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	s := newSequencer(src)

	_, err := sendOK(context.Background(), s, "chain_b")
	require.Error(t, err)
	_, seeded := s.Peek("chain_b", account)
	assert.False(t, seeded)

	src.err = nil
	src.pending.Store(3)
	n, err := sendOK(context.Background(), s, "chain_b")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestSend_UnknownChain(t *testing.T) {
	s := newSequencer(&fakeSource{})
	_, err := sendOK(context.Background(), s, "chain_z")
	assert.Error(t, err)
}

func TestSend_FailedBroadcastKeepsNonce(t *testing.T) {
	src := &fakeSource{}
	src.pending.Store(5)
	s := newSequencer(src)
	ctx := context.Background()

	reverted := &domain.RPCError{Revert: true, Message: "execution reverted: proof already recorded"}
	n, err := s.Send(ctx, "chain_b", account, func(uint64) error { return reverted })
	assert.ErrorIs(t, err, reverted)
	assert.Equal(t, uint64(5), n)

	n, err = s.Send(ctx, "chain_b", account, func(uint64) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n, "the nonce of a send that never went out is reused")

	next, _ := s.Peek("chain_b", account)
	assert.Equal(t, uint64(6), next)
}

// Interleaved senders where the earlier one fails must still broadcast a
// gapless run of nonces.
func TestSend_ConcurrentFailuresLeaveNoGap(t *testing.T) {
	src := &fakeSource{}
	src.pending.Store(5)
	s := newSequencer(src)

	const k = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent []uint64
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Send(context.Background(), "chain_b", account, func(n uint64) error {
				if i%3 == 0 {
					return &domain.RPCError{Revert: true, Message: "execution reverted"}
				}
				mu.Lock()
				sent = append(sent, n)
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	sort.Slice(sent, func(i, j int) bool { return sent[i] < sent[j] })
	require.NotEmpty(t, sent)
	for i, n := range sent {
		assert.Equal(t, uint64(5+i), n, "gap or reuse at position %d", i)
	}
	next, _ := s.Peek("chain_b", account)
	assert.Equal(t, uint64(5+len(sent)), next)
}

func TestSend_ConflictResyncsOnce(t *testing.T) {
	src := &fakeSource{}
	s := newSequencer(src)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, "chain_b", account))

	// Another process used nonces 0..2 after seeding.
	src.pending.Store(3)
	var tried []uint64
	n, err := s.Send(ctx, "chain_b", account, func(n uint64) error {
		tried = append(tried, n)
		if n < 3 {
			return fmt.Errorf("%w: nonce %d", domain.ErrNonceConflict, n)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, []uint64{0, 3}, tried)

	// A second conflict in a row is returned.
	src.pending.Store(3)
	calls := 0
	_, err = s.Send(ctx, "chain_b", account, func(uint64) error {
		calls++
		return domain.ErrNonceConflict
	})
	assert.ErrorIs(t, err, domain.ErrNonceConflict)
	assert.Equal(t, 2, calls)
}

func TestSeed_Idempotent(t *testing.T) {
	src := &fakeSource{}
	src.pending.Store(2)
	s := newSequencer(src)
	ctx := context.Background()

	require.NoError(t, s.Seed(ctx, "chain_b", account))
	src.pending.Store(9)
	require.NoError(t, s.Seed(ctx, "chain_b", account))

	next, seeded := s.Peek("chain_b", account)
	assert.True(t, seeded)
	assert.Equal(t, uint64(2), next)
}

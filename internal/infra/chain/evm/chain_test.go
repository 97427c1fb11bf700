package evm_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/chain/evm/evmtest"
	"github.com/vietddude/bridge-oracle/internal/infra/signer"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	user  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func newFake(t *testing.T) (*evmtest.FakeChain, *signer.KeySigner) {
	t.Helper()
	fc := evmtest.NewFakeChain(31337)
	t.Cleanup(fc.Close)
	s, err := signer.NewKeySigner(devKey)
	require.NoError(t, err)
	return fc, s
}

func testProof(now time.Time) domain.CrossChainProof {
	lock := &domain.LockEvent{
		SourceChainID: "chain_a",
		TargetChainID: "chain_b",
		UserAddress:   user,
		TokenAddress:  token,
		Amount:        big.NewInt(1000),
		LockID:        common.HexToHash("0x01"),
		SourceTxHash:  common.HexToHash("0xaaaa"),
	}
	return domain.NewCrossChainProof(lock, "did:example:alice", now, domain.DefaultProofValidity)
}

func TestChain_FetchEvents(t *testing.T) {
	fc, _ := newFake(t)
	fc.AddLock(5, user, token, big.NewInt(10), "chain_b", common.HexToHash("0x01"), common.HexToHash("0x1"))
	fc.AddLock(5, user, token, big.NewInt(20), "chain_b", common.HexToHash("0x02"), common.HexToHash("0x2"))
	fc.AddUnlock(7, user, token, big.NewInt(30), "chain_b", common.HexToHash("0x3"), common.HexToHash("0x4"))
	fc.AddRawLog(8, common.HexToHash("0x5"), []common.Hash{common.HexToHash("0xdead")}, nil)
	fc.AddLock(20, user, token, big.NewInt(40), "chain_b", common.HexToHash("0x03"), common.HexToHash("0x6"))

	c := fc.Chain("chain_a", nil)
	events, err := c.FetchEvents(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, domain.EventTypeAssetLocked, events[0].Type)
	assert.Equal(t, uint(0), events[0].Lock.LogIndex)
	assert.Equal(t, uint(1), events[1].Lock.LogIndex)
	assert.Equal(t, domain.EventTypeAssetUnlocked, events[2].Type)

	head, err := c.GetLatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), head)
}

func TestChain_ResolveDID(t *testing.T) {
	fc, _ := newFake(t)
	fc.RegisterDID(user, "did:example:alice")
	c := fc.Chain("chain_a", nil)

	did, err := c.ResolveDID(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "did:example:alice", did)

	did, err = c.ResolveDID(context.Background(), token)
	require.NoError(t, err)
	assert.Empty(t, did)
}

func TestChain_RecordAndVerifyProof(t *testing.T) {
	fc, s := newFake(t)
	c := fc.Chain("chain_b", s)
	ctx := context.Background()
	proof := testProof(time.Now())

	ok, err := c.VerifyProof(ctx, proof.UserDID, proof.SourceChainID)
	require.NoError(t, err)
	assert.False(t, ok)

	nonce, err := c.PendingNonce(ctx, s.Address())
	require.NoError(t, err)
	assert.Zero(t, nonce)

	txHash, err := c.RecordProof(ctx, proof, nonce)
	require.NoError(t, err)

	rc, err := c.WaitForReceipt(ctx, txHash, time.Second)
	require.NoError(t, err)
	assert.True(t, rc.Succeeded())
	assert.Equal(t, txHash, rc.TxHash)

	ok, err = c.VerifyProof(ctx, proof.UserDID, proof.SourceChainID)
	require.NoError(t, err)
	assert.True(t, ok)

	recorded := fc.Proofs()
	require.Len(t, recorded, 1)
	assert.Equal(t, "chain_a", recorded[0].SrcChain)
	assert.Equal(t, "chain_b", recorded[0].DstChain)
	assert.Equal(t, proof.SourceTxHash, recorded[0].TxHash)
	assert.Equal(t, 0, recorded[0].Amount.Cmp(big.NewInt(1000)))
}

func TestChain_RecordDuplicateReverts(t *testing.T) {
	fc, s := newFake(t)
	c := fc.Chain("chain_b", s)
	ctx := context.Background()
	proof := testProof(time.Now())

	_, err := c.RecordProof(ctx, proof, 0)
	require.NoError(t, err)

	_, err = c.RecordProof(ctx, proof, 1)
	require.Error(t, err)
	assert.True(t, domain.IsRevert(err))
	assert.True(t, domain.IsAlreadyRecorded(err))
	assert.False(t, domain.IsTransient(err))
	assert.Equal(t, 1, fc.SentTransactions())

	err = c.SimulateProof(ctx, proof)
	assert.True(t, domain.IsAlreadyRecorded(err))
}

func TestChain_RejectedProofIsNotDuplicate(t *testing.T) {
	fc, s := newFake(t)
	fc.RejectProofs("caller is not the oracle")
	c := fc.Chain("chain_b", s)
	ctx := context.Background()
	proof := testProof(time.Now())

	_, err := c.RecordProof(ctx, proof, 0)
	require.Error(t, err)
	assert.True(t, domain.IsRevert(err))
	assert.False(t, domain.IsAlreadyRecorded(err))
	assert.Contains(t, err.Error(), "caller is not the oracle")

	err = c.SimulateProof(ctx, proof)
	assert.True(t, domain.IsRevert(err))
	assert.False(t, domain.IsAlreadyRecorded(err))

	fc.RejectProofs("")
	assert.NoError(t, c.SimulateProof(ctx, proof))
	assert.Zero(t, fc.SentTransactions())
}

func TestChain_FutureNonceWaitsForGap(t *testing.T) {
	fc, s := newFake(t)
	c := fc.Chain("chain_b", s)
	ctx := context.Background()

	later := testProof(time.Now())
	later.SourceTxHash = common.HexToHash("0xbbbb")
	lateTx, err := c.RecordProof(ctx, later, 1)
	require.NoError(t, err, "a future nonce is queued, not rejected")
	assert.Equal(t, 1, fc.Queued(s.Address()))

	_, err = c.WaitForReceipt(ctx, lateTx, 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrReceiptTimeout, "stuck behind nonce 0")

	_, err = c.RecordProof(ctx, testProof(time.Now()), 0)
	require.NoError(t, err)
	assert.Zero(t, fc.Queued(s.Address()))

	rc, err := c.WaitForReceipt(ctx, lateTx, time.Second)
	require.NoError(t, err)
	assert.True(t, rc.Succeeded())
	assert.Equal(t, 2, fc.SentTransactions())
	assert.Equal(t, uint64(2), fc.Nonce(s.Address()))
}

func TestChain_NonceTooLow(t *testing.T) {
	fc, s := newFake(t)
	fc.SetNonce(s.Address(), 5)
	c := fc.Chain("chain_b", s)

	_, err := c.RecordProof(context.Background(), testProof(time.Now()), 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNonceConflict))
}

func TestChain_WaitForReceiptTimeout(t *testing.T) {
	fc, s := newFake(t)
	fc.HoldReceipts(true)
	c := fc.Chain("chain_b", s)

	txHash, err := c.RecordProof(context.Background(), testProof(time.Now()), 0)
	require.NoError(t, err)

	_, err = c.WaitForReceipt(context.Background(), txHash, 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrReceiptTimeout)
	assert.True(t, domain.IsTransient(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.WaitForReceipt(ctx, txHash, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChain_RetriesTransientFailures(t *testing.T) {
	fc, _ := newFake(t)
	fc.SetHead(9)
	fc.FailNext("eth_blockNumber", 2)
	c := fc.Chain("chain_a", nil)

	head, err := c.GetLatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), head)
	assert.Equal(t, 3, fc.Calls("eth_blockNumber"))
}

package evm

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

var (
	testUser  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testLock  = common.HexToHash("0x01")
	testTx    = common.HexToHash("0xfeed")
)

func lockLog(t *testing.T, amount *big.Int, target string) types.Log {
	t.Helper()
	ev := BridgeABI().Events["AssetLocked"]
	data, err := ev.Inputs.NonIndexed().Pack(amount, target)
	require.NoError(t, err)
	return types.Log{
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(testUser.Bytes()),
			common.BytesToHash(testToken.Bytes()),
			testLock,
		},
		Data:        data,
		BlockNumber: 12,
		TxHash:      testTx,
		Index:       3,
	}
}

func TestDecodeBridgeLog_Lock(t *testing.T) {
	ev, err := DecodeBridgeLog("chain_a", lockLog(t, big.NewInt(500), "chain_b"))
	require.NoError(t, err)
	require.Equal(t, domain.EventTypeAssetLocked, ev.Type)
	require.NotNil(t, ev.Lock)

	lock := ev.Lock
	assert.Equal(t, domain.ChainID("chain_a"), lock.SourceChainID)
	assert.Equal(t, domain.ChainID("chain_b"), lock.TargetChainID)
	assert.Equal(t, testUser, lock.UserAddress)
	assert.Equal(t, testToken, lock.TokenAddress)
	assert.Equal(t, 0, lock.Amount.Cmp(big.NewInt(500)))
	assert.Equal(t, testLock, lock.LockID)
	assert.Equal(t, testTx, lock.SourceTxHash)
	assert.Equal(t, uint64(12), lock.SourceBlockNumber)
	assert.Equal(t, uint(3), lock.LogIndex)

	block, idx := ev.Position()
	assert.Equal(t, uint64(12), block)
	assert.Equal(t, uint(3), idx)
}

func TestDecodeBridgeLog_Unlock(t *testing.T) {
	ev := BridgeABI().Events["AssetUnlocked"]
	srcTx := common.HexToHash("0xabcd")
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(7), "chain_a", [32]byte(srcTx))
	require.NoError(t, err)

	out, err := DecodeBridgeLog("chain_b", types.Log{
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(testUser.Bytes()),
			common.BytesToHash(testToken.Bytes()),
		},
		Data:        data,
		BlockNumber: 40,
		TxHash:      testTx,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Unlock)
	assert.Equal(t, domain.ChainID("chain_a"), out.Unlock.SourceChainID)
	assert.Equal(t, srcTx, out.Unlock.SourceTxHash)
	assert.Equal(t, domain.ChainID("chain_b"), out.Unlock.ChainID)
}

func TestDecodeBridgeLog_Unknown(t *testing.T) {
	_, err := DecodeBridgeLog("chain_a", types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeBridgeLog("chain_a", types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeBridgeLog_Truncated(t *testing.T) {
	lg := lockLog(t, big.NewInt(1), "chain_b")
	lg.Data = lg.Data[:10]
	_, err := DecodeBridgeLog("chain_a", lg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)
}

func TestRecordProofCalldata(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lock := &domain.LockEvent{
		SourceChainID: "chain_a",
		TargetChainID: "chain_b",
		UserAddress:   testUser,
		TokenAddress:  testToken,
		Amount:        big.NewInt(99),
		LockID:        testLock,
		SourceTxHash:  testTx,
	}
	proof := domain.NewCrossChainProof(lock, "did:example:alice", now, domain.DefaultProofValidity)

	data, err := PackRecordProof(proof)
	require.NoError(t, err)

	v := VerifierABI()
	method, err := v.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "recordCrossChainProof", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, "did:example:alice", args[0])
	assert.Equal(t, "chain_a", args[1])
	assert.Equal(t, "chain_b", args[2])
	assert.Equal(t, [32]byte(testTx), args[3])
	assert.Equal(t, 0, args[4].(*big.Int).Cmp(big.NewInt(99)))
	assert.Equal(t, testToken, args[5])
}

func TestDIDOfRoundTrip(t *testing.T) {
	method := VerifierABI().Methods["didOfAddress"]
	out, err := method.Outputs.Pack("did:example:bob")
	require.NoError(t, err)

	did, err := UnpackDIDOf(out)
	require.NoError(t, err)
	assert.Equal(t, "did:example:bob", did)

	_, err = UnpackDIDOf([]byte{0x01})
	assert.Error(t, err)
}

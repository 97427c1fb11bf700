package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key (hardhat account #0).
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var devAddress = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestNewKeySigner(t *testing.T) {
	s, err := NewKeySigner(devKey)
	require.NoError(t, err)
	assert.Equal(t, devAddress, s.Address())

	_, err = NewKeySigner("0xnothex")
	assert.Error(t, err)
}

func TestSignTx_RecoversSender(t *testing.T) {
	s, err := NewKeySigner(devKey)
	require.NoError(t, err)

	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tx := types.NewTx(&types.LegacyTx{Nonce: 3, GasPrice: big.NewInt(1), Gas: 21000, To: &to})
	chainID := big.NewInt(1337)

	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, devAddress, sender)
	assert.Equal(t, uint64(3), signed.Nonce())
}

func TestLoad_Sources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(devKey+"\n"), 0o600))

	s, err := Load(Config{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, devAddress, s.Address())

	t.Setenv("ORACLE_TEST_SIGNER_KEY", devKey)
	s, err = Load(Config{KeyEnv: "ORACLE_TEST_SIGNER_KEY"})
	require.NoError(t, err)
	assert.Equal(t, devAddress, s.Address())

	_, err = Load(Config{})
	assert.ErrorIs(t, err, ErrNoKey)
}

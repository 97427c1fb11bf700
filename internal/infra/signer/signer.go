// Package signer holds the oracle's transaction signing key.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs target-chain transactions on behalf of the oracle account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	priv    *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(privHex string) (*KeySigner, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return FromECDSA(priv), nil
}

// FromECDSA wraps an existing key.
func FromECDSA(priv *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}
}

// Address returns the oracle account address.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTx signs tx with the EIP-155 signer for chainID.
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// Config selects where the key comes from. The first non-empty source wins:
// Key, then KeyFile, then the environment variable named by KeyEnv.
type Config struct {
	Key     string `yaml:"signer_key"`
	KeyFile string `yaml:"signer_key_file"`
	KeyEnv  string `yaml:"signer_key_env"`
}

// ErrNoKey is returned when no key source is configured.
var ErrNoKey = errors.New("no signer key configured")

// Load resolves the configured key source into a signer.
func Load(cfg Config) (*KeySigner, error) {
	switch {
	case cfg.Key != "":
		return NewKeySigner(cfg.Key)
	case cfg.KeyFile != "":
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signer key file: %w", err)
		}
		return NewKeySigner(string(raw))
	case cfg.KeyEnv != "":
		val := os.Getenv(cfg.KeyEnv)
		if val == "" {
			return nil, fmt.Errorf("%w: env %s is empty", ErrNoKey, cfg.KeyEnv)
		}
		return NewKeySigner(val)
	default:
		return nil, ErrNoKey
	}
}

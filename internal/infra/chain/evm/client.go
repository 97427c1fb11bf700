package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/signer"
)

// Caller is the JSON-RPC surface the client needs. *rpc.Client implements it.
type Caller interface {
	Call(ctx context.Context, out any, method string, params ...any) error
}

// Config tunes transaction building.
type Config struct {
	NumericChainID uint64
	// GasLimitCap bounds the gas limit of sent transactions (0 = no cap).
	GasLimitCap uint64
	// GasMultiplier is applied to eth_estimateGas (default 1.2).
	GasMultiplier float64
	// ReceiptPollInterval is the eth_getTransactionReceipt polling period.
	ReceiptPollInterval time.Duration
}

// Client performs chain reads and signed writes for one EVM chain. It keeps
// no nonce state; callers pass the nonce in.
type Client struct {
	chainID domain.ChainID
	rpc     Caller
	signer  signer.Signer
	cfg     Config
	log     *slog.Logger
}

// NewClient creates a chain client. signer may be nil for read-only use.
func NewClient(chainID domain.ChainID, caller Caller, s signer.Signer, cfg Config) *Client {
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = time.Second
	}
	return &Client{
		chainID: chainID,
		rpc:     caller,
		signer:  s,
		cfg:     cfg,
		log:     slog.Default().With("chain", chainID),
	}
}

// GetLatestBlock returns the current head block number.
func (c *Client) GetLatestBlock(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	if err := c.rpc.Call(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// GetLogs returns logs emitted by contract in [from, to] whose topic0 is one of topics.
func (c *Client) GetLogs(
	ctx context.Context,
	from, to uint64,
	contract common.Address,
	topics ...common.Hash,
) ([]types.Log, error) {
	filter := map[string]any{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
		"address":   contract,
	}
	if len(topics) > 0 {
		filter["topics"] = [][]common.Hash{topics}
	}

	var logs []types.Log
	if err := c.rpc.Call(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

// CallRead executes a read-only contract call at the latest block.
func (c *Client) CallRead(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]any{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := c.rpc.Call(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// Simulate executes a call from the signing account at the latest block
// without broadcasting it. A revert is returned as a *domain.RPCError with
// Revert set and the node's reason in Message.
func (c *Client) Simulate(ctx context.Context, to common.Address, data []byte) error {
	if c.signer == nil {
		return fmt.Errorf("%s: client has no signer", c.chainID)
	}
	msg := map[string]any{
		"from": c.signer.Address(),
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	return c.rpc.Call(ctx, &out, "eth_call", msg, "latest")
}

// SendTransaction estimates gas, signs, and broadcasts a call to `to` with
// the given nonce. A node reply of "already known" counts as success.
func (c *Client) SendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	nonce uint64,
	value *big.Int,
) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, fmt.Errorf("%s: client has no signer", c.chainID)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	var estimate hexutil.Uint64
	err := c.rpc.Call(ctx, &estimate, "eth_estimateGas", map[string]any{
		"from":  from,
		"to":    to,
		"data":  hexutil.Bytes(data),
		"value": (*hexutil.Big)(value),
	})
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit := uint64(float64(estimate) * c.cfg.GasMultiplier)
	if c.cfg.GasLimitCap > 0 {
		if uint64(estimate) > c.cfg.GasLimitCap {
			return common.Hash{}, fmt.Errorf("%s: gas estimate %d exceeds cap %d",
				c.chainID, uint64(estimate), c.cfg.GasLimitCap)
		}
		gasLimit = min(gasLimit, c.cfg.GasLimitCap)
	}

	var gasPrice hexutil.Big
	if err := c.rpc.Call(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice.ToInt(),
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx, new(big.Int).SetUint64(c.cfg.NumericChainID))
	if err != nil {
		return common.Hash{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode tx: %w", err)
	}

	var hash common.Hash
	err = c.rpc.Call(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		switch {
		case isAlreadyKnown(err):
			c.log.Debug("Transaction already known to node", "tx", signed.Hash(), "nonce", nonce)
			return signed.Hash(), nil
		case isNonceConflict(err):
			return common.Hash{}, fmt.Errorf("%w: nonce %d: %v", domain.ErrNonceConflict, nonce, err)
		}
		return common.Hash{}, err
	}
	return hash, nil
}

type rpcReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	Status          hexutil.Uint64 `json:"status"`
}

// WaitForReceipt polls until the receipt exists or timeout elapses.
// Transient RPC errors while polling are logged and polling continues.
func (c *Client) WaitForReceipt(
	ctx context.Context,
	txHash common.Hash,
	timeout time.Duration,
) (*domain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		var rc *rpcReceipt
		err := c.rpc.Call(waitCtx, &rc, "eth_getTransactionReceipt", txHash)
		switch {
		case err == nil && rc != nil:
			return &domain.Receipt{
				TxHash:      rc.TransactionHash,
				BlockNumber: uint64(rc.BlockNumber),
				GasUsed:     uint64(rc.GasUsed),
				Status:      uint64(rc.Status),
			}, nil
		case err != nil && waitCtx.Err() == nil && !domain.IsTransient(err):
			return nil, err
		case err != nil && waitCtx.Err() == nil:
			c.log.Warn("Receipt poll failed", "tx", txHash, "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrReceiptTimeout, txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

// PendingNonce returns the account's next nonce including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce hexutil.Uint64
	if err := c.rpc.Call(ctx, &nonce, "eth_getTransactionCount", account, "pending"); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

func isAlreadyKnown(err error) bool {
	var rpcErr *domain.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceConflict(err error) bool {
	var rpcErr *domain.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce has already been used") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

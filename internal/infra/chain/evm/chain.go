package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/chain"
)

var _ chain.Adapter = (*Chain)(nil)

// Chain binds a Client to the bridge and verifier contracts of one endpoint.
type Chain struct {
	endpoint domain.ChainEndpoint
	client   *Client
}

// NewChain creates the contract-level view of a chain.
func NewChain(endpoint domain.ChainEndpoint, client *Client) *Chain {
	return &Chain{endpoint: endpoint, client: client}
}

func (c *Chain) ID() domain.ChainID {
	return c.endpoint.ID
}

func (c *Chain) Endpoint() domain.ChainEndpoint {
	return c.endpoint
}

// Client exposes the underlying generic client.
func (c *Chain) Client() *Client {
	return c.client
}

func (c *Chain) GetLatestBlock(ctx context.Context) (uint64, error) {
	return c.client.GetLatestBlock(ctx)
}

// FetchEvents returns the decoded bridge events in [from, to]. Logs that
// cannot be decoded are logged and skipped.
func (c *Chain) FetchEvents(ctx context.Context, from, to uint64) ([]domain.ChainEvent, error) {
	logs, err := c.client.GetLogs(ctx, from, to, c.endpoint.BridgeAddress, BridgeEventTopics()...)
	if err != nil {
		return nil, err
	}

	events := make([]domain.ChainEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || lg.Address != c.endpoint.BridgeAddress {
			continue
		}
		ev, err := DecodeBridgeLog(c.endpoint.ID, lg)
		if errors.Is(err, ErrUnknownEvent) {
			slog.Warn("Skipping unknown bridge log",
				"chain", c.endpoint.ID, "tx", lg.TxHash, "logIndex", lg.Index)
			continue
		}
		if err != nil {
			slog.Error("Skipping undecodable bridge log",
				"chain", c.endpoint.ID, "tx", lg.TxHash, "logIndex", lg.Index, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ResolveDID reads the DID registered for user on this chain's verifier.
// An empty string means no DID is registered.
func (c *Chain) ResolveDID(ctx context.Context, user common.Address) (string, error) {
	data, err := PackDIDOf(user)
	if err != nil {
		return "", fmt.Errorf("pack didOfAddress: %w", err)
	}
	out, err := c.client.CallRead(ctx, c.endpoint.VerifierAddress, data)
	if err != nil {
		return "", err
	}
	return UnpackDIDOf(out)
}

// RecordProof sends recordCrossChainProof to this chain's verifier.
func (c *Chain) RecordProof(
	ctx context.Context,
	proof domain.CrossChainProof,
	nonce uint64,
) (common.Hash, error) {
	data, err := PackRecordProof(proof)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack recordCrossChainProof: %w", err)
	}
	return c.client.SendTransaction(ctx, c.endpoint.VerifierAddress, data, nonce, nil)
}

// SimulateProof dry-runs recordCrossChainProof against the current verifier
// state. It returns nil when the write would succeed now.
func (c *Chain) SimulateProof(ctx context.Context, proof domain.CrossChainProof) error {
	data, err := PackRecordProof(proof)
	if err != nil {
		return fmt.Errorf("pack recordCrossChainProof: %w", err)
	}
	return c.client.Simulate(ctx, c.endpoint.VerifierAddress, data)
}

// VerifyProof calls verifyCrossChainProof on this chain's verifier.
func (c *Chain) VerifyProof(ctx context.Context, did string, src domain.ChainID) (bool, error) {
	data, err := PackVerifyProof(did, src)
	if err != nil {
		return false, fmt.Errorf("pack verifyCrossChainProof: %w", err)
	}
	out, err := c.client.CallRead(ctx, c.endpoint.VerifierAddress, data)
	if err != nil {
		return false, err
	}
	return UnpackVerifyProof(out)
}

func (c *Chain) WaitForReceipt(
	ctx context.Context,
	txHash common.Hash,
	timeout time.Duration,
) (*domain.Receipt, error) {
	return c.client.WaitForReceipt(ctx, txHash, timeout)
}

func (c *Chain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.client.PendingNonce(ctx, account)
}

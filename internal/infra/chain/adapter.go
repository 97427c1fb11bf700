// Package chain defines the boundary between the oracle core and a chain.
package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// Adapter is what the oracle needs from one chain: bridge event reads on the
// source side and verifier reads/writes on the target side.
type Adapter interface {
	// ID returns the chain identifier
	ID() domain.ChainID

	// GetLatestBlock returns the latest block number on the chain
	GetLatestBlock(ctx context.Context) (uint64, error)

	// FetchEvents returns decoded bridge events in [from, to]
	FetchEvents(ctx context.Context, from, to uint64) ([]domain.ChainEvent, error)

	// ResolveDID returns the DID registered for user, or "" when none
	ResolveDID(ctx context.Context, user common.Address) (string, error)

	// RecordProof sends recordCrossChainProof with the given nonce
	RecordProof(ctx context.Context, proof domain.CrossChainProof, nonce uint64) (common.Hash, error)

	// VerifyProof reads verifyCrossChainProof
	VerifyProof(ctx context.Context, did string, src domain.ChainID) (bool, error)

	// WaitForReceipt polls for a receipt until timeout
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*domain.Receipt, error)

	// PendingNonce returns the account's pending nonce
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

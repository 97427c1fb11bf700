package domain

import "github.com/ethereum/go-ethereum/common"

// ChainID is the operator-facing chain identifier ("chain_a", "sepolia").
// It is also the string passed to the verifier contract as srcChain/dstChain.
type ChainID string

// ChainEndpoint describes one configured chain the oracle talks to.
type ChainEndpoint struct {
	ID              ChainID
	RPCURL          string
	NumericChainID  uint64
	BridgeAddress   common.Address
	VerifierAddress common.Address

	// LastProcessedBlock is -1 until the first block has been processed.
	LastProcessedBlock int64
}

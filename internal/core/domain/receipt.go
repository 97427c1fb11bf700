package domain

import "github.com/ethereum/go-ethereum/common"

// Receipt is the subset of a transaction receipt the oracle inspects.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	// Status is 1 for success, 0 for an on-chain revert.
	Status uint64
}

func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

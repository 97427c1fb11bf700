package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type EventType string

const (
	EventTypeAssetLocked   EventType = "AssetLocked"
	EventTypeAssetUnlocked EventType = "AssetUnlocked"
)

// LockEvent is a decoded AssetLocked log from a source chain bridge.
type LockEvent struct {
	SourceChainID     ChainID        `json:"source_chain_id"`
	TargetChainID     ChainID        `json:"target_chain_id"`
	UserAddress       common.Address `json:"user_address"`
	TokenAddress      common.Address `json:"token_address"`
	Amount            *big.Int       `json:"amount"`
	LockID            common.Hash    `json:"lock_id"`
	SourceTxHash      common.Hash    `json:"source_tx_hash"`
	SourceBlockNumber uint64         `json:"source_block_number"`
	LogIndex          uint           `json:"log_index"`
	// MergedLockIDs lists the other locks of the same transaction whose
	// amounts were folded into Amount.
	MergedLockIDs []common.Hash `json:"merged_lock_ids,omitempty"`
}

// Key returns the idempotency key of the proof this lock produces once the
// locking address resolved to did.
func (e *LockEvent) Key(did string) ProofKey {
	return NewProofKey(e.SourceChainID, e.TargetChainID, e.SourceTxHash, did)
}

// Ref names the lock itself: "<sourceChainID>:<sourceTxHash>:<logIndex>".
// Unlike Key it is known before DID resolution.
func (e *LockEvent) Ref() string {
	return fmt.Sprintf("%s:%s:%d", e.SourceChainID, e.SourceTxHash.Hex(), e.LogIndex)
}

// LockIDs returns LockID followed by the merged lock ids.
func (e *LockEvent) LockIDs() []common.Hash {
	return append([]common.Hash{e.LockID}, e.MergedLockIDs...)
}

type coalesceKey struct {
	tx     common.Hash
	target ChainID
	user   common.Address
	token  common.Address
}

// CoalesceLocks folds locks that share a source transaction, target chain,
// user and token into the first of them, summing the amounts. The target
// verifier holds one proof per (DID, source chain, source tx), so such locks
// can only ever be backed by a single proof. Order is otherwise preserved
// and the input is not modified.
func CoalesceLocks(events []ChainEvent) []ChainEvent {
	out := make([]ChainEvent, 0, len(events))
	first := make(map[coalesceKey]int)
	for _, ev := range events {
		if ev.Lock == nil {
			out = append(out, ev)
			continue
		}
		k := coalesceKey{
			tx:     ev.Lock.SourceTxHash,
			target: ev.Lock.TargetChainID,
			user:   ev.Lock.UserAddress,
			token:  ev.Lock.TokenAddress,
		}
		i, ok := first[k]
		if !ok {
			first[k] = len(out)
			out = append(out, ev)
			continue
		}
		merged := *out[i].Lock
		merged.Amount = new(big.Int).Add(amountOrZero(merged.Amount), amountOrZero(ev.Lock.Amount))
		merged.MergedLockIDs = append(append([]common.Hash(nil), merged.MergedLockIDs...), ev.Lock.LockID)
		out[i].Lock = &merged
	}
	return out
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// UnlockEvent is a decoded AssetUnlocked log. The oracle only observes it.
type UnlockEvent struct {
	ChainID       ChainID        `json:"chain_id"`
	SourceChainID ChainID        `json:"source_chain_id"`
	UserAddress   common.Address `json:"user_address"`
	TokenAddress  common.Address `json:"token_address"`
	Amount        *big.Int       `json:"amount"`
	SourceTxHash  common.Hash    `json:"source_tx_hash"`
	TxHash        common.Hash    `json:"tx_hash"`
	BlockNumber   uint64         `json:"block_number"`
	LogIndex      uint           `json:"log_index"`
}

// ChainEvent is what a watcher delivers downstream. Exactly one of Lock or
// Unlock is set.
type ChainEvent struct {
	Type   EventType
	Lock   *LockEvent
	Unlock *UnlockEvent
}

// Position returns the (block, logIndex) ordering key of the event.
func (e ChainEvent) Position() (uint64, uint) {
	if e.Lock != nil {
		return e.Lock.SourceBlockNumber, e.Lock.LogIndex
	}
	if e.Unlock != nil {
		return e.Unlock.BlockNumber, e.Unlock.LogIndex
	}
	return 0, 0
}

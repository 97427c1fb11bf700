package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultProofValidity is how long a recorded proof stays usable.
const DefaultProofValidity = 24 * time.Hour

// ProofKey identifies one proof on a target verifier:
// "<sourceChainID>:<targetChainID>:<sourceTxHash hex>:<userDID>".
// The verifier accepts one proof per (DID, source chain, source tx), so the
// key carries exactly those fields plus the target it is written to.
type ProofKey string

func NewProofKey(src, dst ChainID, sourceTx common.Hash, did string) ProofKey {
	return ProofKey(fmt.Sprintf("%s:%s:%s:%s", src, dst, sourceTx.Hex(), did))
}

// ParseProofKey splits a key back into its parts. The DID is last because
// it contains colons itself.
func ParseProofKey(s string) (src, dst ChainID, sourceTx common.Hash, did string, err error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return "", "", common.Hash{}, "", fmt.Errorf("malformed proof key %q", s)
	}
	if len(strings.TrimPrefix(parts[2], "0x")) != 64 {
		return "", "", common.Hash{}, "", fmt.Errorf("malformed source tx hash in key %q", s)
	}
	return ChainID(parts[0]), ChainID(parts[1]), common.HexToHash(parts[2]), parts[3], nil
}

// Key returns the proof key p is stored under.
func (p CrossChainProof) Key() ProofKey {
	return NewProofKey(p.SourceChainID, p.TargetChainID, p.SourceTxHash, p.UserDID)
}

// CrossChainProof is the attestation written to the target verifier.
type CrossChainProof struct {
	UserDID       string         `json:"user_did"`
	SourceChainID ChainID        `json:"source_chain_id"`
	TargetChainID ChainID        `json:"target_chain_id"`
	SourceTxHash  common.Hash    `json:"source_tx_hash"`
	Amount        *big.Int       `json:"amount"`
	TokenAddress  common.Address `json:"token_address"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Consumed      bool           `json:"consumed"`
}

// NewCrossChainProof builds a proof for a lock; ExpiresAt is fixed at
// issuedAt+validity and is never extended afterwards.
func NewCrossChainProof(
	ev *LockEvent,
	did string,
	issuedAt time.Time,
	validity time.Duration,
) CrossChainProof {
	return CrossChainProof{
		UserDID:       did,
		SourceChainID: ev.SourceChainID,
		TargetChainID: ev.TargetChainID,
		SourceTxHash:  ev.SourceTxHash,
		Amount:        new(big.Int).Set(ev.Amount),
		TokenAddress:  ev.TokenAddress,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(validity),
	}
}

// IsValid reports whether the proof can still back an unlock at now. A
// proof expires once now is past ExpiresAt; ExpiresAt itself is still valid.
func (p CrossChainProof) IsValid(now time.Time) bool {
	return !p.Consumed && !p.Expired(now)
}

// Expired reports whether ExpiresAt lies before now.
func (p CrossChainProof) Expired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

// ProofState is the local idempotency state of a proof write.
type ProofState string

const (
	// ProofStatePending: reserved by a worker, transaction not broadcast yet.
	ProofStatePending ProofState = "pending"
	// ProofStateSubmitted: transaction broadcast, receipt not confirmed.
	ProofStateSubmitted ProofState = "submitted"
	// ProofStateRecorded: proof is on the target chain.
	ProofStateRecorded ProofState = "recorded"
)

// ProofRecord is what the idempotency store keeps per ProofKey.
type ProofRecord struct {
	Key ProofKey `json:"key"`
	// LockID is the first lock the proof covers; locks merged into it by
	// CoalesceLocks are not stored separately.
	LockID               common.Hash     `json:"lock_id"`
	State                ProofState      `json:"state"`
	Proof                CrossChainProof `json:"proof"`
	CredentialExchangeID string          `json:"credential_exchange_id,omitempty"`
	TxHash               common.Hash     `json:"tx_hash"`
	Nonce                uint64          `json:"nonce"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// HasTx reports whether a transaction was broadcast for this record.
func (r *ProofRecord) HasTx() bool {
	return r.TxHash != (common.Hash{})
}

// JobState is the coordinator's per-lock processing state.
type JobState string

const (
	JobStateDetected      JobState = "DETECTED"
	JobStateDIDResolved   JobState = "DID_RESOLVED"
	JobStateVCIssued      JobState = "VC_ISSUED"
	JobStateProofRecorded JobState = "PROOF_RECORDED"
	JobStateDone          JobState = "DONE"
	JobStateFailed        JobState = "FAILED"
)

// AllJobStates lists job states in pipeline order.
var AllJobStates = []JobState{
	JobStateDetected,
	JobStateDIDResolved,
	JobStateVCIssued,
	JobStateProofRecorded,
	JobStateDone,
	JobStateFailed,
}

func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

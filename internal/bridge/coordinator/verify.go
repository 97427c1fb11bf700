package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// Verification is the result of VerifyProof.
type Verification struct {
	Record  *domain.ProofRecord `json:"record"`
	Valid   bool                `json:"valid"`
	Expired bool                `json:"expired"`
	// OnChain is the target verifier's answer when it was asked.
	OnChain *bool  `json:"on_chain,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// VerifyProof reports whether the proof stored under key can back an unlock
// at now. An expired proof is invalid whatever the chain says. With onChain
// set, the target verifier is asked as well and must agree.
func (c *Coordinator) VerifyProof(
	ctx context.Context,
	key domain.ProofKey,
	now time.Time,
	onChain bool,
) (*Verification, error) {
	rec, err := c.proofs.Get(ctx, key)
	if errors.Is(err, storage.ErrProofNotFound) {
		return nil, fmt.Errorf("proof %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load proof %s: %w", key, err)
	}

	v := &Verification{Record: rec, Expired: rec.Proof.Expired(now)}
	switch {
	case rec.State != domain.ProofStateRecorded:
		v.Reason = fmt.Sprintf("proof is %s", rec.State)
	case v.Expired:
		v.Reason = fmt.Sprintf("proof expired at %s", rec.Proof.ExpiresAt.Format(time.RFC3339))
	case rec.Proof.Consumed:
		v.Reason = "proof consumed"
	default:
		v.Valid = rec.Proof.IsValid(now)
	}

	if !onChain || rec.State != domain.ProofStateRecorded {
		return v, nil
	}
	target, ok := c.chains[rec.Proof.TargetChainID]
	if !ok {
		return nil, fmt.Errorf("unknown target chain %s", rec.Proof.TargetChainID)
	}
	vctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()
	found, err := target.VerifyProof(vctx, rec.Proof.UserDID, rec.Proof.SourceChainID)
	if err != nil {
		return nil, fmt.Errorf("verify on %s: %w", rec.Proof.TargetChainID, err)
	}
	v.OnChain = &found
	if v.Valid && !found {
		v.Valid = false
		v.Reason = "verifier has no matching proof"
	}
	return v, nil
}

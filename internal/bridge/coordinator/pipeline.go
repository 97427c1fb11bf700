package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/metrics"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

type job struct {
	id string
	// ref names the lock; key is known once the DID is resolved.
	ref      string
	key      domain.ProofKey
	src, dst domain.ChainID
	lock     *domain.LockEvent

	state   domain.JobState
	counted bool

	// reserved is set once this job owns a PENDING record.
	reserved bool

	did       string
	proof     domain.CrossChainProof
	exID      string
	lastNonce uint64
}

func newJob(lock *domain.LockEvent) *job {
	return &job{
		id:    uuid.NewString(),
		ref:   lock.Ref(),
		src:   lock.SourceChainID,
		dst:   lock.TargetChainID,
		lock:  lock,
		state: domain.JobStateDetected,
		// Counted by Submit once queued.
		counted: true,
	}
}

func (j *job) logAttrs() []any {
	attrs := []any{"job", j.id, "lock", j.ref, "state", j.state}
	if j.key != "" {
		attrs = append(attrs, "key", j.key)
	}
	if j.lock != nil {
		attrs = append(attrs, "chain", j.src, "lockID", j.lock.LockID, "tx", j.lock.SourceTxHash)
		if len(j.lock.MergedLockIDs) > 0 {
			attrs = append(attrs, "merged", len(j.lock.MergedLockIDs))
		}
	}
	return attrs
}

// outcome labels of oracle_proof_jobs_total.
const (
	outcomeDone         = "done"
	outcomeDeduplicated = "deduplicated"
	outcomeFailed       = "failed"
)

// process drives one lock through the pipeline.
func (c *Coordinator) process(ctx context.Context, j *job) {
	src, ok := c.chains[j.src]
	if !ok {
		c.fail(j, fmt.Errorf("unknown source chain %s", j.src))
		return
	}
	if _, ok := c.chains[j.dst]; !ok {
		c.fail(j, fmt.Errorf("unknown target chain %s", j.dst))
		return
	}

	// Outbound calls are not cut short by shutdown; ctx is checked between steps.
	callCtx := context.WithoutCancel(ctx)

	if !c.resolveDID(callCtx, j, src) {
		return
	}
	j.key = j.lock.Key(j.did)

	if holder, ok := c.acquire(j.key, j.lock.LockID); !ok {
		if holder != j.lock.LockID {
			c.fail(j, fmt.Errorf("%w: lock %s is in flight", ErrProofConflict, holder.Hex()))
			return
		}
		// The running job settles the inbox entry.
		c.skipInFlight(j)
		return
	}
	defer c.releaseKey(j.key)

	rec, err := c.proofs.Get(callCtx, j.key)
	switch {
	case err != nil && !errors.Is(err, storage.ErrProofNotFound):
		c.fail(j, fmt.Errorf("load proof record: %w", err))
		return
	case err != nil:
	case !owns(j.lock, rec):
		c.fail(j, fmt.Errorf("%w: record belongs to lock %s", ErrProofConflict, rec.LockID.Hex()))
		return
	case rec.State == domain.ProofStateRecorded:
		c.dedup(j, "already recorded")
		return
	case rec.State == domain.ProofStateSubmitted && rec.HasTx():
		j.proof = rec.Proof
		c.transition(j, domain.JobStateProofRecorded)
		slog.Info("Resuming submitted proof", append(j.logAttrs(), "txHash", rec.TxHash)...)
		c.awaitReceipt(ctx, j, rec.TxHash)
		return
	}

	if c.stopping(ctx, j) {
		return
	}
	if !c.issueCredential(ctx, j) {
		return
	}
	if c.stopping(ctx, j) {
		return
	}
	txHash, ok := c.recordProof(callCtx, j)
	if !ok {
		return
	}
	if c.stopping(ctx, j) {
		return
	}
	c.awaitReceipt(ctx, j, txHash)
}

func (c *Coordinator) resolveDID(callCtx context.Context, j *job, src Chain) bool {
	start := time.Now()
	rctx, cancel := context.WithTimeout(callCtx, c.cfg.RPCTimeout)
	did, err := src.ResolveDID(rctx, j.lock.UserAddress)
	cancel()
	metrics.StageLatency.WithLabelValues("resolve_did").Observe(time.Since(start).Seconds())

	if err != nil {
		c.fail(j, fmt.Errorf("resolve DID of %s: %w", j.lock.UserAddress.Hex(), err))
		return false
	}
	if did == "" {
		c.fail(j, fmt.Errorf("%w: %s on %s", domain.ErrUnresolvedDID, j.lock.UserAddress.Hex(), j.src))
		return false
	}
	j.did = did
	c.transition(j, domain.JobStateDIDResolved)
	return true
}

func (c *Coordinator) issueCredential(ctx context.Context, j *job) bool {
	start := time.Now()
	j.proof = domain.NewCrossChainProof(j.lock, j.did, c.cfg.Now().UTC(), c.cfg.ProofValidity)
	attrs := credentialAttributes(j.lock, j.proof)

	var connID string
	backoff := retry.WithMaxRetries(uint64(c.cfg.IssuanceRetries),
		retry.WithCappedDuration(30*time.Second, retry.NewExponential(c.cfg.IssuanceBackoff)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx := context.WithoutCancel(ctx)
		var err error
		if connID == "" {
			if connID, err = c.issuer.EnsureConnection(callCtx, j.did); err != nil {
				return c.retryable(j, attempt, err)
			}
		}
		// An exchange that was offered is polled again, never offered twice.
		if j.exID == "" {
			if j.exID, err = c.issuer.IssueCredential(callCtx, connID, attrs); err != nil {
				// The connection may be gone; look it up again next attempt.
				connID = ""
				return c.retryable(j, attempt, err)
			}
		}
		vc, err := c.issuer.PollUntilIssued(callCtx, j.exID, c.cfg.IssuanceTimeout)
		if err != nil {
			return c.retryable(j, attempt, err)
		}
		slog.Debug("Credential issued", append(j.logAttrs(), "exchangeID", vc.CredentialExchangeID, "vcState", vc.State)...)
		return nil
	})
	metrics.StageLatency.WithLabelValues("issue_credential").Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			c.abandon(ctx, j)
			return false
		}
		c.fail(j, fmt.Errorf("issue credential: %w", err))
		return false
	}
	c.transition(j, domain.JobStateVCIssued)
	return true
}

func (c *Coordinator) retryable(j *job, attempt int, err error) error {
	if !domain.IsTransient(err) {
		return err
	}
	slog.Warn("Credential issuance attempt failed", append(j.logAttrs(), "attempt", attempt, "error", err)...)
	return retry.RetryableError(err)
}

// recordProof reserves the key and sends the proof transaction. It returns
// false when the job already finished as deduplicated or failed.
func (c *Coordinator) recordProof(callCtx context.Context, j *job) (common.Hash, bool) {
	existing, reserved, err := c.proofs.Reserve(callCtx, &domain.ProofRecord{
		Key:                  j.key,
		LockID:               j.lock.LockID,
		Proof:                j.proof,
		CredentialExchangeID: j.exID,
	})
	if err != nil {
		c.fail(j, fmt.Errorf("reserve proof: %w", err))
		return common.Hash{}, false
	}
	if !reserved {
		switch {
		case !owns(j.lock, existing):
			c.fail(j, fmt.Errorf("%w: record belongs to lock %s", ErrProofConflict, existing.LockID.Hex()))
			return common.Hash{}, false
		case existing.State == domain.ProofStateRecorded:
			c.dedup(j, "already recorded")
			return common.Hash{}, false
		case existing.State == domain.ProofStateSubmitted && existing.HasTx():
			j.proof = existing.Proof
			c.transition(j, domain.JobStateProofRecorded)
			return existing.TxHash, true
		}
		// A PENDING record that no job in this process holds was left by a
		// crashed run; take it over.
		slog.Warn("Taking over stale proof reservation", j.logAttrs()...)
		j.proof = existing.Proof
	}
	j.reserved = true

	start := time.Now()
	txHash, err := c.send(callCtx, j)
	metrics.StageLatency.WithLabelValues("record_proof").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyRecorded):
		if err := c.proofs.MarkRecorded(callCtx, j.key, common.Hash{}); err != nil {
			c.fail(j, fmt.Errorf("mark recorded: %w", err))
			return common.Hash{}, false
		}
		j.reserved = false
		c.dedup(j, "verifier reports proof already recorded")
		return common.Hash{}, false
	default:
		c.releaseReservation(callCtx, j)
		c.fail(j, err)
		return common.Hash{}, false
	}

	if err := c.proofs.MarkSubmitted(callCtx, j.key, txHash, j.lastNonce); err != nil {
		// The transaction is out; a redelivery reverts and dedups.
		c.fail(j, fmt.Errorf("mark submitted %s: %w", txHash.Hex(), err))
		return common.Hash{}, false
	}
	j.reserved = false
	c.transition(j, domain.JobStateProofRecorded)
	slog.Info("Proof submitted", append(j.logAttrs(), "txHash", txHash, "nonce", j.lastNonce)...)
	return txHash, true
}

// send broadcasts the proof under the account's nonce counter. Gas
// estimation runs inside the broadcast, so a revert there never consumes a
// nonce.
func (c *Coordinator) send(callCtx context.Context, j *job) (common.Hash, error) {
	target := c.chains[j.dst]
	var txHash common.Hash
	nonce, err := c.nonces.Send(callCtx, j.dst, c.cfg.Account, func(nonce uint64) error {
		sctx, cancel := context.WithTimeout(callCtx, c.cfg.RPCTimeout)
		defer cancel()
		h, err := target.RecordProof(sctx, j.proof, nonce)
		if errors.Is(err, domain.ErrNonceConflict) {
			slog.Warn("Nonce conflict", append(j.logAttrs(), "nonce", nonce, "error", err)...)
		}
		txHash = h
		return err
	})
	j.lastNonce = nonce

	switch {
	case err == nil:
		return txHash, nil
	case domain.IsAlreadyRecorded(err):
		return common.Hash{}, fmt.Errorf("%w: %w", domain.ErrAlreadyRecorded, err)
	case domain.IsRevert(err):
		return common.Hash{}, fmt.Errorf("%w: %w", ErrProofRejected, err)
	}
	return common.Hash{}, fmt.Errorf("record proof on %s: %w", j.dst, err)
}

// awaitReceipt finishes a SUBMITTED proof. A receipt timeout leaves the
// record SUBMITTED so a later run resumes it.
func (c *Coordinator) awaitReceipt(ctx context.Context, j *job, txHash common.Hash) {
	target, ok := c.chains[j.dst]
	if !ok {
		c.fail(j, fmt.Errorf("unknown target chain %s", j.dst))
		return
	}
	start := time.Now()
	callCtx := context.WithoutCancel(ctx)
	rc, err := target.WaitForReceipt(callCtx, txHash, c.cfg.ReceiptTimeout)
	metrics.StageLatency.WithLabelValues("receipt").Observe(time.Since(start).Seconds())
	if err != nil {
		c.fail(j, fmt.Errorf("wait for receipt %s: %w", txHash.Hex(), err))
		return
	}
	if !rc.Succeeded() {
		c.reverted(callCtx, j, target, txHash, rc)
		return
	}
	if err := c.proofs.MarkRecorded(callCtx, j.key, txHash); err != nil {
		c.fail(j, fmt.Errorf("mark recorded: %w", err))
		return
	}
	c.finish(j, outcomeDone)
	slog.Info("Proof recorded",
		append(j.logAttrs(),
			"target", j.dst,
			"txHash", txHash,
			"block", rc.BlockNumber,
			"expiresAt", j.proof.ExpiresAt,
		)...)
}

// reverted settles a proof transaction that was mined with status 0. The
// verifier is asked again: a duplicate means another write won, anything
// else leaves the proof unrecorded and the record is dropped.
func (c *Coordinator) reverted(
	callCtx context.Context,
	j *job,
	target Chain,
	txHash common.Hash,
	rc *domain.Receipt,
) {
	attrs := append(j.logAttrs(), "txHash", txHash, "block", rc.BlockNumber)
	sctx, cancel := context.WithTimeout(callCtx, c.cfg.RPCTimeout)
	err := target.SimulateProof(sctx, j.proof)
	cancel()

	switch {
	case domain.IsAlreadyRecorded(err):
		if err := c.proofs.MarkRecorded(callCtx, j.key, common.Hash{}); err != nil {
			c.fail(j, fmt.Errorf("mark recorded: %w", err))
			return
		}
		slog.Warn("Proof transaction reverted, verifier already holds the proof", attrs...)
		c.dedup(j, "verifier reports proof already recorded")
	case err != nil && !domain.IsRevert(err):
		// Record stays SUBMITTED and is checked again on the next start.
		c.fail(j, fmt.Errorf("check reverted proof transaction %s: %w", txHash.Hex(), err))
	default:
		if derr := c.proofs.Discard(callCtx, j.key, txHash); derr != nil {
			c.fail(j, fmt.Errorf("discard reverted proof %s: %w", txHash.Hex(), derr))
			return
		}
		if err != nil {
			c.fail(j, fmt.Errorf("%w in %s: %w", ErrProofRejected, txHash.Hex(), err))
			return
		}
		c.fail(j, fmt.Errorf("%w: %s in block %d", ErrProofReverted, txHash.Hex(), rc.BlockNumber))
	}
}

func (c *Coordinator) finish(j *job, outcome string) {
	c.transition(j, domain.JobStateDone)
	c.clearFailure(j.ref)
	c.settle(j)
	metrics.ProofJobs.WithLabelValues(string(j.src), string(j.dst), outcome).Inc()
}

func (c *Coordinator) dedup(j *job, reason string) {
	c.mu.Lock()
	c.deduplicated++
	c.mu.Unlock()
	c.finish(j, outcomeDeduplicated)
	slog.Info("Lock deduplicated", append(j.logAttrs(), "reason", reason)...)
}

// skipInFlight drops a redelivered lock whose proof another job is writing.
func (c *Coordinator) skipInFlight(j *job) {
	c.mu.Lock()
	c.deduplicated++
	c.mu.Unlock()
	c.transition(j, domain.JobStateDone)
	metrics.ProofJobs.WithLabelValues(string(j.src), string(j.dst), outcomeDeduplicated).Inc()
	slog.Info("Lock deduplicated", append(j.logAttrs(), "reason", "in flight")...)
}

func (c *Coordinator) fail(j *job, err error) {
	failedIn := j.state
	c.recordFailure(j, err)
	c.transition(j, domain.JobStateFailed)
	if !retainLock(err) {
		c.settle(j)
	}
	metrics.ProofJobs.WithLabelValues(string(j.src), string(j.dst), outcomeFailed).Inc()
	slog.Error("Proof job failed",
		append(j.logAttrs(), "lastState", failedIn, "transient", domain.IsTransient(err), "error", err)...)
}

// retainLock reports whether a failed lock stays in the inbox and is tried
// again on the next start.
func retainLock(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, ErrProofReverted)
}

// settle removes the job's lock from the inbox.
func (c *Coordinator) settle(j *job) {
	if c.inbox == nil || j.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
	defer cancel()
	if err := c.inbox.Delete(ctx, j.ref); err != nil {
		slog.Error("Failed to remove lock from inbox", append(j.logAttrs(), "error", err)...)
	}
}

// owns reports whether rec was written for lock.
func owns(lock *domain.LockEvent, rec *domain.ProofRecord) bool {
	if rec.LockID == (common.Hash{}) {
		return true
	}
	for _, id := range lock.LockIDs() {
		if id == rec.LockID {
			return true
		}
	}
	return false
}

// stopping reports whether shutdown cancelled the worker. The job is then
// dropped without being marked FAILED.
func (c *Coordinator) stopping(ctx context.Context, j *job) bool {
	if ctx.Err() == nil {
		return false
	}
	c.abandon(ctx, j)
	return true
}

func (c *Coordinator) abandon(ctx context.Context, j *job) {
	c.releaseReservation(context.WithoutCancel(ctx), j)
	c.uncount(j)
	slog.Warn("Proof job abandoned on shutdown", j.logAttrs()...)
}

func (c *Coordinator) releaseReservation(ctx context.Context, j *job) {
	if !j.reserved {
		return
	}
	if err := c.proofs.Release(ctx, j.key); err != nil {
		slog.Error("Failed to release proof reservation", append(j.logAttrs(), "error", err)...)
		return
	}
	j.reserved = false
}

// resumeSubmitted waits for receipts of proofs broadcast by a previous run.
func (c *Coordinator) resumeSubmitted(ctx context.Context) error {
	recs, err := c.proofs.ListByState(ctx, domain.ProofStateSubmitted, 0)
	if err != nil {
		return fmt.Errorf("list submitted proofs: %w", err)
	}
	for _, rec := range recs {
		if !rec.HasTx() {
			continue
		}
		j := &job{
			id:    uuid.NewString(),
			ref:   string(rec.Key),
			key:   rec.Key,
			src:   rec.Proof.SourceChainID,
			dst:   rec.Proof.TargetChainID,
			proof: rec.Proof,
			state: domain.JobStateProofRecorded,
		}
		if _, ok := c.acquire(j.key, rec.LockID); !ok {
			continue
		}
		c.mu.Lock()
		c.counts[j.state]++
		j.counted = true
		c.mu.Unlock()

		slog.Info("Resuming proof submitted by a previous run", append(j.logAttrs(), "txHash", rec.TxHash)...)
		c.wg.Add(1)
		go func(j *job, txHash common.Hash) {
			defer c.wg.Done()
			defer c.releaseKey(j.key)
			c.awaitReceipt(ctx, j, txHash)
		}(j, rec.TxHash)
	}
	return nil
}

func credentialAttributes(lock *domain.LockEvent, p domain.CrossChainProof) map[string]string {
	return map[string]string{
		"user_did":       p.UserDID,
		"source_chain":   string(p.SourceChainID),
		"target_chain":   string(p.TargetChainID),
		"source_tx_hash": p.SourceTxHash.Hex(),
		"lock_id":        lock.LockID.Hex(),
		"lock_count":     strconv.Itoa(len(lock.LockIDs())),
		"amount":         p.Amount.String(),
		"token":          p.TokenAddress.Hex(),
		"issued_at":      p.IssuedAt.Format(time.RFC3339),
		"expires_at":     p.ExpiresAt.Format(time.RFC3339),
	}
}

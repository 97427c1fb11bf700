// Package coordinator turns bridge lock events into recorded cross-chain
// proofs on the target chain.
//
// Every lock goes through DETECTED → DID_RESOLVED → VC_ISSUED →
// PROOF_RECORDED → DONE, or ends in FAILED. The idempotency store and an
// in-process in-flight set make redelivered locks produce at most one
// recordCrossChainProof transaction per proof key. Accepted locks are kept
// in an inbox until their job settles, so a restart replays the queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/metrics"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

var (
	// ErrStopped is returned by Submit after Shutdown has started.
	ErrStopped = errors.New("coordinator stopped")
	// ErrProofConflict means another lock already owns the proof key. The
	// verifier keeps one proof per (DID, source chain, source tx).
	ErrProofConflict = errors.New("proof key owned by another lock")
	// ErrProofRejected means the verifier refused the proof for a reason
	// other than it being recorded already.
	ErrProofRejected = errors.New("verifier rejected proof")
	// ErrProofReverted means the proof transaction was mined but reverted
	// while the verifier does not hold the proof.
	ErrProofReverted = errors.New("proof transaction reverted")
)

// Chain is the per-chain surface the coordinator uses. DID lookups go to
// the source chain; proof writes, receipts and verification go to the target.
type Chain interface {
	ResolveDID(ctx context.Context, user common.Address) (string, error)
	RecordProof(ctx context.Context, proof domain.CrossChainProof, nonce uint64) (common.Hash, error)
	SimulateProof(ctx context.Context, proof domain.CrossChainProof) error
	VerifyProof(ctx context.Context, did string, src domain.ChainID) (bool, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*domain.Receipt, error)
}

// Issuer issues the verifiable credential backing a proof.
type Issuer interface {
	EnsureConnection(ctx context.Context, holderDID string) (string, error)
	IssueCredential(ctx context.Context, connectionID string, attrs map[string]string) (string, error)
	PollUntilIssued(ctx context.Context, exchangeID string, timeout time.Duration) (*domain.VerifiableCredentialRecord, error)
}

// Nonces serializes broadcasts of the oracle account. Send runs broadcast
// with the next nonce and consumes it only when broadcast succeeds.
type Nonces interface {
	Send(
		ctx context.Context,
		chain domain.ChainID,
		account common.Address,
		broadcast func(nonce uint64) error,
	) (uint64, error)
}

// Config tunes the coordinator.
type Config struct {
	// Account is the oracle address that signs proof transactions.
	Account common.Address

	Workers   int
	QueueSize int

	ProofValidity   time.Duration
	RPCTimeout      time.Duration
	ReceiptTimeout  time.Duration
	IssuanceTimeout time.Duration
	IssuanceRetries int
	IssuanceBackoff time.Duration

	// Now is the clock used for proof timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ProofValidity <= 0 {
		c.ProofValidity = domain.DefaultProofValidity
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 15 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.IssuanceTimeout <= 0 {
		c.IssuanceTimeout = 2 * time.Minute
	}
	if c.IssuanceRetries < 0 {
		c.IssuanceRetries = 0
	}
	if c.IssuanceBackoff <= 0 {
		c.IssuanceBackoff = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Failure is the last error seen for a lock. Lock is the lock's Ref, or
// the proof key for jobs resumed from the store.
type Failure struct {
	Lock  string          `json:"lock"`
	Key   domain.ProofKey `json:"key,omitempty"`
	State domain.JobState `json:"state"`
	Error string          `json:"error"`
	At    time.Time       `json:"at"`
}

// Status is a snapshot of the coordinator.
type Status struct {
	Jobs         map[domain.JobState]int `json:"jobs"`
	Deduplicated int                     `json:"deduplicated"`
	Unlocks      int                     `json:"unlocks_observed"`
	QueueDepth   int                     `json:"queue_depth"`
	InFlight     int                     `json:"in_flight"`
	Failures     []Failure               `json:"failures,omitempty"`
}

const maxFailures = 100

// Coordinator runs the proof pipeline on a bounded worker pool.
type Coordinator struct {
	cfg    Config
	chains map[domain.ChainID]Chain
	issuer Issuer
	nonces Nonces
	proofs storage.ProofRepository
	inbox  storage.InboxRepository

	queue     chan *job
	closing   chan struct{}
	closeOnce sync.Once
	intake    sync.RWMutex
	closed    bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu           sync.Mutex
	inflight     map[domain.ProofKey]common.Hash
	counts       map[domain.JobState]int
	deduplicated int
	unlocks      int
	failures     map[string]Failure
	failureOrder []string
}

// New creates a coordinator. Nothing runs until Start. inbox may be nil,
// in which case queued locks do not survive a restart.
func New(
	cfg Config,
	chains map[domain.ChainID]Chain,
	issuer Issuer,
	nonces Nonces,
	proofs storage.ProofRepository,
	inbox storage.InboxRepository,
) *Coordinator {
	cfg = cfg.withDefaults()
	counts := make(map[domain.JobState]int, len(domain.AllJobStates))
	for _, s := range domain.AllJobStates {
		counts[s] = 0
	}
	return &Coordinator{
		cfg:      cfg,
		chains:   chains,
		issuer:   issuer,
		nonces:   nonces,
		proofs:   proofs,
		inbox:    inbox,
		queue:    make(chan *job, cfg.QueueSize),
		closing:  make(chan struct{}),
		inflight: make(map[domain.ProofKey]common.Hash),
		counts:   counts,
		failures: make(map[string]Failure),
	}
}

// Submit hands an event to the pipeline. Lock events are stored in the
// inbox, then queued; Submit blocks while the queue is full. Unlock events
// are only counted.
func (c *Coordinator) Submit(ctx context.Context, ev domain.ChainEvent) error {
	switch {
	case ev.Unlock != nil:
		c.observeUnlock(ev.Unlock)
		return nil
	case ev.Lock == nil:
		return fmt.Errorf("event %s carries no payload", ev.Type)
	}

	if c.inbox != nil {
		if err := c.inbox.Put(ctx, ev.Lock); err != nil {
			return fmt.Errorf("store lock %s: %w", ev.Lock.Ref(), err)
		}
	}
	return c.enqueue(ctx, newJob(ev.Lock))
}

func (c *Coordinator) enqueue(ctx context.Context, j *job) error {
	c.intake.RLock()
	defer c.intake.RUnlock()
	if c.closed {
		return ErrStopped
	}

	select {
	case c.queue <- j:
	case <-c.closing:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.counts[domain.JobStateDetected]++
	c.mu.Unlock()
	metrics.QueueDepth.Set(float64(len(c.queue)))

	slog.Debug("Lock queued",
		"job", j.id, "lock", j.ref, "block", j.lock.SourceBlockNumber, "tx", j.lock.SourceTxHash)
	return nil
}

// replayInbox queues the locks a previous run accepted but did not settle.
func (c *Coordinator) replayInbox(ctx context.Context, locks []*domain.LockEvent) {
	defer c.wg.Done()
	for i, lock := range locks {
		if err := c.enqueue(ctx, newJob(lock)); err != nil {
			slog.Warn("Inbox replay stopped", "remaining", len(locks)-i, "error", err)
			return
		}
	}
}

func (c *Coordinator) observeUnlock(u *domain.UnlockEvent) {
	c.mu.Lock()
	c.unlocks++
	c.mu.Unlock()
	metrics.UnlocksObserved.WithLabelValues(string(u.ChainID)).Inc()
	slog.Info("Unlock observed",
		"chain", u.ChainID,
		"sourceChain", u.SourceChainID,
		"user", u.UserAddress,
		"amount", u.Amount,
		"sourceTx", u.SourceTxHash,
		"tx", u.TxHash,
	)
}

// Start launches the workers, resumes proofs a previous run left SUBMITTED
// and queues the locks left in the inbox. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var replay []*domain.LockEvent
	if c.inbox != nil {
		var err error
		if replay, err = c.inbox.List(ctx); err != nil {
			cancel()
			return fmt.Errorf("list inbox: %w", err)
		}
	}
	if err := c.resumeSubmitted(ctx); err != nil {
		cancel()
		return err
	}
	if pending, err := c.proofs.ListByState(ctx, domain.ProofStatePending, 0); err == nil && len(pending) > 0 {
		slog.Warn("Proof reservations left by a previous run; they are taken over on redelivery",
			"count", len(pending))
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	if len(replay) > 0 {
		slog.Info("Replaying locks left in the inbox", "count", len(replay))
		c.wg.Add(1)
		go c.replayInbox(ctx, replay)
	}
	slog.Info("Coordinator started", "workers", c.cfg.Workers, "queueSize", c.cfg.QueueSize)
	return nil
}

// Shutdown stops accepting events and waits for queued jobs. When ctx ends
// first, workers are cancelled: calls already in progress complete, and
// jobs release their reservations at the next step boundary.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.intake.Lock()
		c.closed = true
		close(c.queue)
		c.intake.Unlock()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if c.cancel != nil {
			c.cancel()
		}
		slog.Info("Coordinator stopped")
		return nil
	case <-ctx.Done():
	}

	if c.cancel != nil {
		c.cancel()
	}
	<-done
	left := len(c.queue)
	if left > 0 {
		slog.Warn("Coordinator stopped with queued locks; they are replayed from the inbox on next start",
			"queued", left)
	}
	return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
}

func (c *Coordinator) worker(ctx context.Context, n int) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case j, ok := <-c.queue:
			if !ok {
				return
			}
			metrics.QueueDepth.Set(float64(len(c.queue)))
			c.process(ctx, j)
		}
	}
}

// Status returns counts per job state and the most recent failures.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Jobs:         make(map[domain.JobState]int, len(c.counts)),
		Deduplicated: c.deduplicated,
		Unlocks:      c.unlocks,
		QueueDepth:   len(c.queue),
		InFlight:     len(c.inflight),
	}
	for s, n := range c.counts {
		st.Jobs[s] = n
	}
	for i := len(c.failureOrder) - 1; i >= 0; i-- {
		st.Failures = append(st.Failures, c.failures[c.failureOrder[i]])
	}
	return st
}

// LastFailure returns the last recorded failure for a lock, named by its
// Ref.
func (c *Coordinator) LastFailure(ref string) (Failure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[ref]
	return f, ok
}

// acquire marks key in flight for lockID. When another job holds the key it
// returns false and the lock id that job works for.
func (c *Coordinator) acquire(key domain.ProofKey, lockID common.Hash) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if holder, busy := c.inflight[key]; busy {
		return holder, false
	}
	c.inflight[key] = lockID
	return lockID, true
}

func (c *Coordinator) releaseKey(key domain.ProofKey) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

func (c *Coordinator) transition(j *job, to domain.JobState) {
	c.mu.Lock()
	if j.counted {
		c.counts[j.state]--
	}
	c.counts[to]++
	j.counted = true
	c.mu.Unlock()

	slog.Debug("Job state", "job", j.id, "lock", j.ref, "from", j.state, "to", to)
	j.state = to
}

// uncount drops an abandoned job from the state counts.
func (c *Coordinator) uncount(j *job) {
	c.mu.Lock()
	if j.counted {
		c.counts[j.state]--
		j.counted = false
	}
	c.mu.Unlock()
}

func (c *Coordinator) recordFailure(j *job, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failures[j.ref]; !ok {
		c.failureOrder = append(c.failureOrder, j.ref)
		if len(c.failureOrder) > maxFailures {
			delete(c.failures, c.failureOrder[0])
			c.failureOrder = c.failureOrder[1:]
		}
	}
	c.failures[j.ref] = Failure{Lock: j.ref, Key: j.key, State: j.state, Error: err.Error(), At: c.cfg.Now()}
}

func (c *Coordinator) clearFailure(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failures[ref]; !ok {
		return
	}
	delete(c.failures, ref)
	for i, k := range c.failureOrder {
		if k == ref {
			c.failureOrder = append(c.failureOrder[:i], c.failureOrder[i+1:]...)
			break
		}
	}
}

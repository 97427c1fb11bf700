// Package watcher follows one chain's bridge contract and hands decoded
// events to the proof coordinator in (block, logIndex) order.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/cursor"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/metrics"
	"github.com/vietddude/bridge-oracle/internal/indexing/throttle"
)

// Source is the chain surface the watcher reads.
type Source interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, to uint64) ([]domain.ChainEvent, error)
}

// Sink receives events. Submit blocks until the event is queued or ctx is done.
type Sink interface {
	Submit(ctx context.Context, ev domain.ChainEvent) error
}

// Status is a snapshot of a watcher.
type Status struct {
	ChainID             domain.ChainID `json:"chain_id"`
	State               cursor.State   `json:"state"`
	LastProcessedBlock  int64          `json:"last_processed_block"`
	LatestBlock         uint64         `json:"latest_block"`
	Lag                 int64          `json:"lag"`
	LastError           string         `json:"last_error,omitempty"`
	LastErrorAt         *time.Time     `json:"last_error_at,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	BlocksPerSecond     float64        `json:"blocks_per_second"`
	Running             bool           `json:"running"`
}

// Config holds watcher configuration.
type Config struct {
	ChainID domain.ChainID
	Source  Source
	// Heads, when set, is used instead of Source for the chain head.
	Heads  throttle.HeadSource
	Cursor cursor.Manager
	Sink   Sink
	// IsKnownChain reports whether a lock's target chain is served.
	IsKnownChain func(domain.ChainID) bool

	PollInterval  time.Duration
	MaxBackoff    time.Duration
	TickTimeout   time.Duration
	Confirmations uint64
	MaxBlockRange uint64 // 0 = unlimited
	InitialCursor int64
	StartFromHead bool
	// Throttle, when set, shortens the interval while behind the head.
	Throttle *throttle.AdaptiveController
}

// Watcher implements the polling loop for one chain.
type Watcher struct {
	cfg      Config
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	status Status
}

// New creates a watcher. Defaults: 5s poll interval, 1m max backoff.
func New(cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(time.Minute, cfg.PollInterval)
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 2 * time.Minute
	}
	if cfg.Heads == nil {
		cfg.Heads = cfg.Source
	}
	if cfg.IsKnownChain == nil {
		cfg.IsKnownChain = func(domain.ChainID) bool { return true }
	}
	return &Watcher{
		cfg:  cfg,
		stop: make(chan struct{}),
		status: Status{
			ChainID:            cfg.ChainID,
			State:              cursor.StateInit,
			LastProcessedBlock: domain.NoBlockProcessed,
		},
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher %s already running", w.cfg.ChainID)
	}
	defer w.running.Store(false)

	cur, err := w.cfg.Cursor.Load(ctx, w.cfg.ChainID, w.cfg.InitialCursor)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	seedFromHead := w.cfg.StartFromHead && cur.LastProcessedBlock == domain.NoBlockProcessed
	w.update(func(s *Status) {
		s.State = cursor.StateInit
		s.LastProcessedBlock = cur.LastProcessedBlock
		s.Running = true
	})
	defer w.update(func(s *Status) { s.Running = false })

	slog.Info("Watcher started",
		"chain", w.cfg.ChainID,
		"cursor", cur.LastProcessedBlock,
		"confirmations", w.cfg.Confirmations,
		"maxBlockRange", w.cfg.MaxBlockRange,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			w.finish(ctx.Err())
			return nil
		case <-w.stop:
			w.finish(nil)
			return nil
		case <-timer.C:
		}

		if seedFromHead {
			if err := w.seedFromHead(ctx); err != nil {
				failures++
				timer.Reset(w.fail(ctx, failures, err))
				continue
			}
			seedFromHead = false
		}

		lag, err := w.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			timer.Reset(w.fail(ctx, failures, err))
			continue
		}

		if failures > 0 {
			slog.Info("Watcher recovered", "chain", w.cfg.ChainID, "afterFailures", failures)
		}
		failures = 0
		w.setState(ctx, cursor.StatePolling, "tick ok")
		w.update(func(s *Status) { s.ConsecutiveFailures = 0 })

		next := w.cfg.PollInterval
		if w.cfg.Throttle != nil {
			next = w.cfg.Throttle.ComputeInterval(lag)
		}
		timer.Reset(next)
	}
}

// Stop stops the loop. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return nil
}

// GetStatus returns the current status.
func (w *Watcher) GetStatus() Status {
	w.mu.RLock()
	s := w.status
	w.mu.RUnlock()
	s.BlocksPerSecond = w.cfg.Cursor.GetMetrics(w.cfg.ChainID).BlocksPerSecond
	return s
}

func (w *Watcher) update(fn func(*Status)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *Watcher) setState(ctx context.Context, state cursor.State, reason string) {
	if err := w.cfg.Cursor.SetState(ctx, w.cfg.ChainID, state, reason); err != nil {
		slog.Warn("Cursor state not saved", "chain", w.cfg.ChainID, "state", state, "error", err)
	}
	w.update(func(s *Status) { s.State = state })
}

func (w *Watcher) finish(cause error) {
	// The cursor write must not be skipped because ctx is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.setState(ctx, cursor.StateStopped, "shutdown")
	slog.Info("Watcher stopped", "chain", w.cfg.ChainID, "cause", cause)
}

// fail records a failed tick and returns the backoff before the next one.
func (w *Watcher) fail(ctx context.Context, failures int, err error) time.Duration {
	backoff := Backoff(w.cfg.PollInterval, w.cfg.MaxBackoff, failures)
	now := time.Now()

	metrics.WatcherErrors.WithLabelValues(string(w.cfg.ChainID)).Inc()
	slog.Error("Watcher tick failed",
		"chain", w.cfg.ChainID,
		"failures", failures,
		"backoff", backoff,
		"transient", domain.IsTransient(err),
		"error", err,
	)
	w.setState(ctx, cursor.StateErrorBackoff, err.Error())
	w.update(func(s *Status) {
		s.LastError = err.Error()
		s.LastErrorAt = &now
		s.ConsecutiveFailures = failures
	})
	return backoff
}

// Backoff returns base * 2^(failures-1), capped at maxBackoff.
func Backoff(base, maxBackoff time.Duration, failures int) time.Duration {
	if failures < 1 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxBackoff || d <= 0 {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

// safeHead returns the newest block with enough confirmations.
func (w *Watcher) safeHead(ctx context.Context) (head uint64, ok bool, err error) {
	latest, err := w.cfg.Heads.GetLatestBlock(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("get latest block: %w", err)
	}
	metrics.ChainLatestBlock.WithLabelValues(string(w.cfg.ChainID)).Set(float64(latest))
	w.update(func(s *Status) { s.LatestBlock = latest })

	if latest < w.cfg.Confirmations {
		return 0, false, nil
	}
	return latest - w.cfg.Confirmations, true, nil
}

func (w *Watcher) seedFromHead(ctx context.Context) error {
	head, ok, err := w.safeHead(ctx)
	if err != nil || !ok {
		return err
	}
	if err := w.cfg.Cursor.Reset(ctx, w.cfg.ChainID, int64(head)); err != nil {
		return fmt.Errorf("seed cursor: %w", err)
	}
	w.update(func(s *Status) { s.LastProcessedBlock = int64(head) })
	slog.Info("Cursor seeded from chain head", "chain", w.cfg.ChainID, "block", head)
	return nil
}

// tick scans the next range once. It returns how many confirmed blocks are
// still unscanned. The cursor only moves when every event was delivered.
func (w *Watcher) tick(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Chain reads finish even when shutdown starts mid-tick.
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TickTimeout)
	defer cancel()

	head, ok, err := w.safeHead(readCtx)
	if err != nil || !ok {
		return 0, err
	}

	cur, err := w.cfg.Cursor.Get(readCtx, w.cfg.ChainID)
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	last := cur.LastProcessedBlock
	if int64(head) <= last {
		w.setLag(last, head)
		return 0, nil
	}

	from := uint64(last + 1)
	to := head
	if r := w.cfg.MaxBlockRange; r > 0 && to-from+1 > r {
		to = from + r - 1
	}

	events, err := w.cfg.Source.FetchEvents(readCtx, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch events [%d, %d]: %w", from, to, err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		bi, li := events[i].Position()
		bj, lj := events[j].Position()
		if bi != bj {
			return bi < bj
		}
		return li < lj
	})
	if n := len(events); n > 0 {
		events = domain.CoalesceLocks(events)
		if merged := n - len(events); merged > 0 {
			slog.Info("Merged locks sharing a source transaction",
				"chain", w.cfg.ChainID, "from", from, "to", to, "merged", merged)
		}
	}

	delivered, err := w.deliver(ctx, events, from, to)
	if err != nil {
		return 0, fmt.Errorf("deliver events [%d, %d] (%d delivered): %w", from, to, delivered, err)
	}

	if err := w.cfg.Cursor.Advance(readCtx, w.cfg.ChainID, int64(from), int64(to)); err != nil {
		if errors.Is(err, cursor.ErrBlockGap) || errors.Is(err, cursor.ErrCursorRegression) {
			slog.Error("Cursor moved under the watcher", "chain", w.cfg.ChainID, "error", err)
		}
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	chain := string(w.cfg.ChainID)
	metrics.BlocksProcessed.WithLabelValues(chain).Add(float64(to - from + 1))
	metrics.IndexerLatestBlock.WithLabelValues(chain).Set(float64(to))
	w.setLag(int64(to), head)

	slog.Debug("Scanned range",
		"chain", w.cfg.ChainID, "from", from, "to", to, "events", len(events), "delivered", delivered)
	return int64(head - to), nil
}

func (w *Watcher) setLag(last int64, head uint64) {
	w.update(func(s *Status) {
		s.LastProcessedBlock = last
		s.Lag = max(int64(head)-last, 0)
	})
}

func (w *Watcher) deliver(ctx context.Context, events []domain.ChainEvent, from, to uint64) (int, error) {
	chain := string(w.cfg.ChainID)
	delivered := 0
	for _, ev := range events {
		block, _ := ev.Position()
		if block < from || block > to {
			slog.Warn("Dropping event outside requested range",
				"chain", w.cfg.ChainID, "block", block, "from", from, "to", to)
			metrics.EventsDropped.WithLabelValues(chain, "out_of_range").Inc()
			continue
		}
		if ev.Lock != nil && !w.routable(ev.Lock) {
			continue
		}

		if err := w.cfg.Sink.Submit(ctx, ev); err != nil {
			return delivered, err
		}
		delivered++
		metrics.EventsDecoded.WithLabelValues(chain, string(ev.Type)).Inc()
	}
	return delivered, nil
}

func (w *Watcher) routable(lock *domain.LockEvent) bool {
	switch {
	case lock.TargetChainID == lock.SourceChainID:
		slog.Warn("Dropping lock targeting its own chain",
			"chain", w.cfg.ChainID, "lockID", lock.LockID, "tx", lock.SourceTxHash)
	case !w.cfg.IsKnownChain(lock.TargetChainID):
		slog.Warn("Dropping lock for unknown target chain",
			"chain", w.cfg.ChainID, "target", lock.TargetChainID, "lockID", lock.LockID, "tx", lock.SourceTxHash)
	default:
		return true
	}
	metrics.EventsDropped.WithLabelValues(string(w.cfg.ChainID), "unknown_target").Inc()
	return false
}

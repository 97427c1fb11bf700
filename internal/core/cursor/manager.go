package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

var (
	// ErrBlockGap is returned when an advanced range does not start right
	// after the cursor.
	ErrBlockGap = errors.New("block gap detected")

	// ErrCursorRegression is returned when a range ends at or before the cursor.
	ErrCursorRegression = errors.New("cursor regression")

	// ErrCursorStopped is returned when trying to advance a stopped cursor.
	ErrCursorStopped = errors.New("cursor is stopped")
)

// Manager handles cursor operations with state machine enforcement.
type Manager interface {
	// Get retrieves the current cursor for a chain.
	Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error)

	// Load returns the persisted cursor, or saves and returns a new one at
	// initial when none exists. A loaded cursor starts in INIT.
	Load(ctx context.Context, chainID domain.ChainID, initial int64) (*domain.Cursor, error)

	// Advance records that blocks [from, to] were fully delivered.
	Advance(ctx context.Context, chainID domain.ChainID, from, to int64) error

	// SetState transitions cursor to new state (validates transition).
	SetState(ctx context.Context, chainID domain.ChainID, newState State, reason string) error

	// Reset moves the cursor to block regardless of its position.
	Reset(ctx context.Context, chainID domain.ChainID, block int64) error

	// GetLag returns blocks behind the given head.
	GetLag(ctx context.Context, chainID domain.ChainID, head uint64) (int64, error)

	// GetMetrics returns performance metrics for a chain.
	GetMetrics(chainID domain.ChainID) Metrics

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(chainID domain.ChainID, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo          storage.CursorRepository
	mu            sync.RWMutex
	stateCallback func(domain.ChainID, Transition)
	collectors    map[domain.ChainID]*MetricsCollector
}

// Get retrieves the current cursor for a chain.
func (m *DefaultManager) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	return m.repo.Get(ctx, chainID)
}

// Load returns the persisted cursor or initializes one at initial.
func (m *DefaultManager) Load(
	ctx context.Context,
	chainID domain.ChainID,
	initial int64,
) (*domain.Cursor, error) {
	if initial < domain.NoBlockProcessed {
		initial = domain.NoBlockProcessed
	}

	m.mu.Lock()
	if _, ok := m.collectors[chainID]; !ok {
		m.collectors[chainID] = NewMetricsCollector(100)
	}
	m.mu.Unlock()

	cursor, err := m.repo.Get(ctx, chainID)
	switch {
	case errors.Is(err, storage.ErrCursorNotFound):
		cursor = &domain.Cursor{
			ChainID:            chainID,
			LastProcessedBlock: initial,
		}
	case err != nil:
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A previous run may have left any state behind; every run starts in INIT.
	cursor.State = domain.WatcherStateInit
	cursor.UpdatedAt = time.Now()
	if err := m.repo.Save(ctx, cursor); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}
	return cursor, nil
}

// Advance moves the cursor to `to` after [from, to] was processed.
func (m *DefaultManager) Advance(
	ctx context.Context,
	chainID domain.ChainID,
	from, to int64,
) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State == domain.WatcherStateStopped {
		return ErrCursorStopped
	}
	if to <= cursor.LastProcessedBlock || to < from {
		return fmt.Errorf("%w: cursor at %d, got range [%d, %d]",
			ErrCursorRegression, cursor.LastProcessedBlock, from, to)
	}
	// Range must start exactly at cursor + 1
	if expected := cursor.LastProcessedBlock + 1; from != expected {
		return fmt.Errorf("%w: expected range from %d, got %d", ErrBlockGap, expected, from)
	}

	now := time.Now()
	cursor.LastProcessedBlock = to
	cursor.UpdatedAt = now
	if err := m.repo.Save(ctx, cursor); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	m.mu.Lock()
	if collector, ok := m.collectors[chainID]; ok {
		collector.RecordRange(to, to-from+1, now)
	}
	m.mu.Unlock()

	return nil
}

// SetState transitions cursor to a new state. Setting the current state is a no-op.
func (m *DefaultManager) SetState(
	ctx context.Context,
	chainID domain.ChainID,
	newState State,
	reason string,
) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor.State == newState {
		return nil
	}

	if !CanTransition(cursor.State, newState) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			cursor.State,
			newState,
		)
	}

	transition := NewTransition(cursor.State, newState, reason)

	cursor.State = newState
	cursor.UpdatedAt = transition.Timestamp
	if err := m.repo.Save(ctx, cursor); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	m.mu.Lock()
	if collector, ok := m.collectors[chainID]; ok {
		collector.RecordTransition(transition)
	}
	callback := m.stateCallback
	m.mu.Unlock()

	if callback != nil {
		callback(chainID, transition)
	}

	return nil
}

// Reset overwrites the cursor position. Used by operators to replay or skip
// ranges; the watcher must not be running.
func (m *DefaultManager) Reset(ctx context.Context, chainID domain.ChainID, block int64) error {
	if block < domain.NoBlockProcessed {
		return fmt.Errorf("invalid cursor block %d", block)
	}
	cursor, err := m.repo.Get(ctx, chainID)
	switch {
	case errors.Is(err, storage.ErrCursorNotFound):
		cursor = &domain.Cursor{ChainID: chainID, State: domain.WatcherStateStopped}
	case err != nil:
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	cursor.LastProcessedBlock = block
	cursor.UpdatedAt = time.Now()
	return m.repo.Save(ctx, cursor)
}

// GetLag returns how many blocks the cursor is behind head.
func (m *DefaultManager) GetLag(
	ctx context.Context,
	chainID domain.ChainID,
	head uint64,
) (int64, error) {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	return int64(head) - cursor.LastProcessedBlock, nil
}

// GetMetrics returns performance metrics for a chain.
func (m *DefaultManager) GetMetrics(chainID domain.ChainID) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.collectors[chainID]; ok {
		return collector.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(chainID domain.ChainID, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

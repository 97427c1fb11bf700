// Package cursor tracks the scan position of each chain watcher.
//
// # Purpose
//
// The cursor is the bookmark of a watcher:
//   - LastProcessedBlock: highest block whose events were all delivered
//     (-1 before the first block)
//   - State: what the watcher is doing (init, polling, error backoff, stopped)
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	INIT → POLLING → ERROR_BACKOFF → POLLING (valid)
//	STOPPED → POLLING (invalid - a stopped watcher restarts through INIT)
//
// Gap Detection - Advance takes the range that was just delivered. When the
// range does not start right after the cursor it returns ErrBlockGap and the
// cursor is not moved, so no block is skipped or counted twice.
//
// Atomic Updates - The cursor only advances AFTER every event in the range
// has been handed to the coordinator.
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo)
//
//	// Load the persisted cursor or start before block 100
//	c, _ := manager.Load(ctx, "chain_a", 99)
//
//	manager.SetState(ctx, "chain_a", cursor.StatePolling, "first tick")
//
//	manager.Advance(ctx, "chain_a", 100, 140)  // ✓ OK, cursor = 140
//	manager.Advance(ctx, "chain_a", 150, 160)  // ✗ ErrBlockGap
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Manager implementation with gap and regression checks
//   - metrics.go - Throughput and state history
package cursor

import (
	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// Cursor represents the scan position for a chain.
type Cursor = domain.Cursor

// State constants re-exported for convenience.
const (
	StateInit         = domain.WatcherStateInit
	StatePolling      = domain.WatcherStatePolling
	StateErrorBackoff = domain.WatcherStateErrorBackoff
	StateStopped      = domain.WatcherStateStopped
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{
		repo:       repo,
		collectors: make(map[domain.ChainID]*MetricsCollector),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		ranges:      make([]rangeRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}

package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// =============================================================================
// Mock Repository
// =============================================================================

type mockCursorRepo struct {
	mu      sync.RWMutex
	cursors map[domain.ChainID]*domain.Cursor
	failGet error
}

func newMockCursorRepo() *mockCursorRepo {
	return &mockCursorRepo{
		cursors: make(map[domain.ChainID]*domain.Cursor),
	}
}

func (r *mockCursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.failGet != nil {
		return nil, r.failGet
	}
	cursor, ok := r.cursors[chainID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	// Return a copy
	c := *cursor
	return &c, nil
}

func (r *mockCursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *cursor
	r.cursors[cursor.ChainID] = &c
	return nil
}

func (r *mockCursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Cursor, 0, len(r.cursors))
	for _, c := range r.cursors {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// =============================================================================
// State Transition Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		to       State
		expected bool
	}{
		{"init to polling", StateInit, StatePolling, true},
		{"init to backoff", StateInit, StateErrorBackoff, true},
		{"init to stopped", StateInit, StateStopped, true},
		{"polling to backoff", StatePolling, StateErrorBackoff, true},
		{"polling to stopped", StatePolling, StateStopped, true},
		{"polling to init", StatePolling, StateInit, false},
		{"backoff to polling", StateErrorBackoff, StatePolling, true},
		{"backoff to stopped", StateErrorBackoff, StateStopped, true},
		{"stopped to polling", StateStopped, StatePolling, false},
		{"stopped to init", StateStopped, StateInit, true},
		{"unknown state", State("bogus"), StatePolling, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTransitionIsValid(t *testing.T) {
	valid := NewTransition(StatePolling, StateErrorBackoff, "rpc timeout")
	if !valid.IsValid() {
		t.Error("expected transition polling->error_backoff to be valid")
	}

	invalid := NewTransition(StateStopped, StateErrorBackoff, "unexpected")
	if invalid.IsValid() {
		t.Error("expected transition stopped->error_backoff to be invalid")
	}
}

func TestStateDescription(t *testing.T) {
	for state := range ValidTransitions {
		if StateDescription(state) == "Unknown state" {
			t.Errorf("missing description for %s", state)
		}
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManagerLoad_NewCursor(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)

	cursor, err := manager.Load(context.Background(), "chain_a", 99)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cursor.ChainID != "chain_a" {
		t.Errorf("expected chainID 'chain_a', got %s", cursor.ChainID)
	}
	if cursor.LastProcessedBlock != 99 {
		t.Errorf("expected block 99, got %d", cursor.LastProcessedBlock)
	}
	if cursor.State != StateInit {
		t.Errorf("expected state init, got %s", cursor.State)
	}
	if _, ok := repo.cursors["chain_a"]; !ok {
		t.Error("expected cursor to be persisted")
	}
}

func TestManagerLoad_PersistedWins(t *testing.T) {
	repo := newMockCursorRepo()
	repo.cursors["chain_a"] = &domain.Cursor{
		ChainID:            "chain_a",
		LastProcessedBlock: 500,
		State:              StateStopped,
	}
	manager := NewManager(repo)

	cursor, err := manager.Load(context.Background(), "chain_a", 10)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cursor.LastProcessedBlock != 500 {
		t.Errorf("expected persisted block 500, got %d", cursor.LastProcessedBlock)
	}
	if cursor.State != StateInit {
		t.Errorf("expected state reset to init, got %s", cursor.State)
	}
}

func TestManagerLoad_ClampsInitial(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	cursor, err := manager.Load(context.Background(), "chain_a", -7)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cursor.LastProcessedBlock != domain.NoBlockProcessed {
		t.Errorf("expected %d, got %d", domain.NoBlockProcessed, cursor.LastProcessedBlock)
	}
}

func TestManagerLoad_RepoError(t *testing.T) {
	repo := newMockCursorRepo()
	repo.failGet = errors.New("disk on fire")
	manager := NewManager(repo)

	if _, err := manager.Load(context.Background(), "chain_a", 0); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestManagerAdvance(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	if _, err := manager.Load(ctx, "chain_a", domain.NoBlockProcessed); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := manager.Advance(ctx, "chain_a", 0, 10); err != nil {
		t.Fatalf("Advance [0,10] failed: %v", err)
	}
	if err := manager.Advance(ctx, "chain_a", 11, 11); err != nil {
		t.Fatalf("Advance [11,11] failed: %v", err)
	}

	cursor, _ := manager.Get(ctx, "chain_a")
	if cursor.LastProcessedBlock != 11 {
		t.Errorf("expected block 11, got %d", cursor.LastProcessedBlock)
	}
}

func TestManagerAdvance_GapDetection(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	ctx := context.Background()
	_, _ = manager.Load(ctx, "chain_a", 100)

	err := manager.Advance(ctx, "chain_a", 105, 110)
	if !errors.Is(err, ErrBlockGap) {
		t.Errorf("expected ErrBlockGap, got: %v", err)
	}

	cursor, _ := manager.Get(ctx, "chain_a")
	if cursor.LastProcessedBlock != 100 {
		t.Errorf("cursor moved on gap: %d", cursor.LastProcessedBlock)
	}
}

func TestManagerAdvance_Regression(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	ctx := context.Background()
	_, _ = manager.Load(ctx, "chain_a", 100)

	tests := []struct {
		name     string
		from, to int64
	}{
		{"same block", 100, 100},
		{"backwards", 90, 95},
		{"inverted range", 101, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.Advance(ctx, "chain_a", tt.from, tt.to)
			if !errors.Is(err, ErrCursorRegression) {
				t.Errorf("expected ErrCursorRegression, got: %v", err)
			}
		})
	}
}

func TestManagerAdvance_StoppedCursor(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	ctx := context.Background()
	_, _ = manager.Load(ctx, "chain_a", 0)
	_ = manager.SetState(ctx, "chain_a", StateStopped, "shutdown")

	err := manager.Advance(ctx, "chain_a", 1, 2)
	if !errors.Is(err, ErrCursorStopped) {
		t.Errorf("expected ErrCursorStopped, got: %v", err)
	}
}

func TestManagerSetState(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	ctx := context.Background()

	var transitions []Transition
	manager.SetStateChangeCallback(func(chainID domain.ChainID, t Transition) {
		transitions = append(transitions, t)
	})

	_, _ = manager.Load(ctx, "chain_a", 0)
	steps := []State{StatePolling, StatePolling, StateErrorBackoff, StatePolling, StateStopped}
	for _, s := range steps {
		if err := manager.SetState(ctx, "chain_a", s, "test"); err != nil {
			t.Fatalf("SetState(%s) failed: %v", s, err)
		}
	}

	// The repeated polling state is a no-op.
	if len(transitions) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(transitions))
	}
	if transitions[1].To != StateErrorBackoff {
		t.Errorf("expected second transition to error_backoff, got %s", transitions[1].To)
	}

	err := manager.SetState(ctx, "chain_a", StatePolling, "invalid")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}

	m := manager.GetMetrics("chain_a")
	if m.LastBackoffAt == nil {
		t.Error("expected LastBackoffAt to be set")
	}
	if len(m.StateHistory) != 4 {
		t.Errorf("expected 4 history entries, got %d", len(m.StateHistory))
	}
}

func TestManagerReset(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	ctx := context.Background()

	if err := manager.Reset(ctx, "chain_b", 42); err != nil {
		t.Fatalf("Reset on missing cursor failed: %v", err)
	}
	cursor, err := manager.Get(ctx, "chain_b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cursor.LastProcessedBlock != 42 {
		t.Errorf("expected 42, got %d", cursor.LastProcessedBlock)
	}

	// Reset may move backwards.
	if err := manager.Reset(ctx, "chain_b", 7); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	cursor, _ = manager.Get(ctx, "chain_b")
	if cursor.LastProcessedBlock != 7 {
		t.Errorf("expected 7, got %d", cursor.LastProcessedBlock)
	}

	if err := manager.Reset(ctx, "chain_b", -2); err == nil {
		t.Error("expected error for block below -1")
	}
}

func TestManagerGetLag(t *testing.T) {
	manager := NewManager(newMockCursorRepo())
	ctx := context.Background()
	_, _ = manager.Load(ctx, "chain_a", 90)

	lag, err := manager.GetLag(ctx, "chain_a", 100)
	if err != nil {
		t.Fatalf("GetLag failed: %v", err)
	}
	if lag != 10 {
		t.Errorf("expected lag 10, got %d", lag)
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(3)
	start := time.Now()

	mc.RecordRange(10, 10, start)
	mc.RecordRange(20, 10, start.Add(time.Second))
	mc.RecordRange(40, 20, start.Add(2*time.Second))

	m := mc.GetMetrics()
	if m.BlocksPerSecond != 15 {
		t.Errorf("expected 15 blocks/s, got %f", m.BlocksPerSecond)
	}
	if m.LastAdvanceAt == nil || !m.LastAdvanceAt.Equal(start.Add(2*time.Second)) {
		t.Errorf("unexpected LastAdvanceAt %v", m.LastAdvanceAt)
	}

	// Window drops the oldest record.
	mc.RecordRange(50, 10, start.Add(3*time.Second))
	if len(mc.ranges) != 3 || mc.ranges[0].ToBlock != 20 {
		t.Errorf("window not rotated: %+v", mc.ranges)
	}

	mc.Reset()
	if m := mc.GetMetrics(); m.BlocksPerSecond != 0 || m.LastAdvanceAt != nil {
		t.Errorf("expected empty metrics after reset, got %+v", m)
	}
}

package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockSource implements HeadSource for testing
type mockSource struct {
	latestBlock uint64
	callCount   int
	err         error
}

func (m *mockSource) GetLatestBlock(ctx context.Context) (uint64, error) {
	m.callCount++
	if m.err != nil {
		return 0, m.err
	}
	return m.latestBlock, nil
}

func TestHeadCache_CachesResult(t *testing.T) {
	adapter := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(adapter, 3*time.Second)

	ctx := context.Background()

	// First call - should hit adapter
	result1, err := cache.GetLatestBlock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result1 != 1000 {
		t.Errorf("expected 1000, got %d", result1)
	}
	if adapter.callCount != 1 {
		t.Errorf("expected 1 adapter call, got %d", adapter.callCount)
	}

	// Second call within TTL - should use cache
	result2, err := cache.GetLatestBlock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2 != 1000 {
		t.Errorf("expected 1000, got %d", result2)
	}
	if adapter.callCount != 1 {
		t.Errorf("expected still 1 adapter call (cached), got %d", adapter.callCount)
	}
}

func TestHeadCache_ExpiresAfterTTL(t *testing.T) {
	adapter := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(adapter, 100*time.Millisecond)

	ctx := context.Background()

	// First call
	_, err := cache.GetLatestBlock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Wait for TTL to expire
	time.Sleep(150 * time.Millisecond)

	// Update adapter value
	adapter.latestBlock = 1001

	// Second call after TTL - should fetch fresh
	result, err := cache.GetLatestBlock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1001 {
		t.Errorf("expected fresh value 1001, got %d", result)
	}
	if adapter.callCount != 2 {
		t.Errorf("expected 2 adapter calls, got %d", adapter.callCount)
	}
}

func TestHeadCache_Invalidate(t *testing.T) {
	adapter := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(adapter, 3*time.Second)

	ctx := context.Background()

	// First call
	_, err := cache.GetLatestBlock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Invalidate cache
	cache.Invalidate()

	// Update adapter value
	adapter.latestBlock = 1001

	// Next call should fetch fresh even though TTL hasn't expired
	result, err := cache.GetLatestBlock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1001 {
		t.Errorf("expected fresh value 1001 after invalidate, got %d", result)
	}
	if adapter.callCount != 2 {
		t.Errorf("expected 2 adapter calls, got %d", adapter.callCount)
	}
}

func TestHeadCache_ErrorNotCached(t *testing.T) {
	source := &mockSource{err: errors.New("rpc down")}
	cache := NewHeadCache(source, 3*time.Second)
	ctx := context.Background()

	if _, err := cache.GetLatestBlock(ctx); err == nil {
		t.Fatal("expected error")
	}
	if head, at := cache.Peek(); head != 0 || !at.IsZero() {
		t.Errorf("expected empty cache, got %d at %v", head, at)
	}

	source.err = nil
	source.latestBlock = 42
	head, err := cache.GetLatestBlock(ctx)
	if err != nil || head != 42 {
		t.Fatalf("expected 42, got %d (%v)", head, err)
	}
	if peek, _ := cache.Peek(); peek != 42 {
		t.Errorf("Peek() = %d, want 42", peek)
	}
}

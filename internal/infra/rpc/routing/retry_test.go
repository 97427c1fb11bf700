package routing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/bridge-oracle/internal/infra/rpc/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errors.New("429 Too Many Requests"), ActionFailover},
		{errors.New("project rate limit exceeded"), ActionFailover},
		{errors.New("quota exceeded"), ActionFailover},
		{errors.New("daily request count exceeded"), ActionFailover},
		{errors.New("403 Forbidden"), ActionFailover},
		{errors.New("Invalid JSON-RPC request -32600"), ActionFatal},
		{errors.New("Method not found -32601"), ActionFatal},
		{errors.New("Parse error -32700"), ActionFatal},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("timeout"), ActionRetry},
		{errors.New("500 Internal Server Error"), ActionRetry},
		{&provider.HTTPStatusError{StatusCode: 502}, ActionRetry},
		{&provider.HTTPStatusError{StatusCode: 429}, ActionFailover},
		{&provider.HTTPStatusError{StatusCode: 400}, ActionFatal},
		{&provider.JSONRPCError{Code: 3, Message: "execution reverted"}, ActionFatal},
		{&provider.JSONRPCError{Code: -32000, Message: "nonce too low"}, ActionFatal},
		{&provider.JSONRPCError{Code: -32000, Message: "header not found"}, ActionRetry},
		{&provider.JSONRPCError{Code: -32005, Message: "rate limit exceeded"}, ActionFailover},
		{&provider.MalformedResponseError{Err: errors.New("eof")}, ActionFatal},
		{context.Canceled, ActionFatal},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiple: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := calculateBackoff(attempt, cfg); got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}
}

type scriptedProvider struct {
	name  string
	errs  []error
	calls int
}

func (p *scriptedProvider) GetName() string                  { return p.name }
func (p *scriptedProvider) GetHealth() provider.HealthStatus { return provider.HealthStatus{} }
func (p *scriptedProvider) Close() error                     { return nil }

func (p *scriptedProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return json.RawMessage(`"0x1"`), nil
}

var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestCallWithRetry_RecoversFromTransient(t *testing.T) {
	p := &scriptedProvider{errs: []error{&provider.HTTPStatusError{StatusCode: 503}, errors.New("i/o timeout")}}

	result, err := CallWithRetry(context.Background(), p, "eth_blockNumber", nil, fastRetry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `"0x1"` || p.calls != 3 {
		t.Errorf("got %s after %d calls", result, p.calls)
	}
}

func TestCallWithRetry_FatalStopsImmediately(t *testing.T) {
	p := &scriptedProvider{errs: []error{&provider.JSONRPCError{Code: -32602, Message: "invalid params"}}}

	_, err := CallWithRetry(context.Background(), p, "eth_getLogs", nil, fastRetry)
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Errorf("expected 1 call, got %d", p.calls)
	}
}

func TestCallWithRetry_GivesUp(t *testing.T) {
	transient := &provider.HTTPStatusError{StatusCode: 500}
	p := &scriptedProvider{errs: []error{transient, transient, transient}}

	_, err := CallWithRetry(context.Background(), p, "eth_blockNumber", nil, fastRetry)
	var statusErr *provider.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected wrapped HTTPStatusError, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("expected 3 calls, got %d", p.calls)
	}
}

func TestCallWithRetryAndFailover(t *testing.T) {
	limited := &scriptedProvider{name: "primary", errs: []error{&provider.HTTPStatusError{StatusCode: 429}}}
	backup := &scriptedProvider{name: "backup"}

	result, err := CallWithRetryAndFailover(
		context.Background(),
		[]provider.RPCProvider{limited, backup},
		"eth_blockNumber", nil, fastRetry,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `"0x1"` {
		t.Errorf("unexpected result %s", result)
	}
	if limited.calls != 1 || backup.calls != 1 {
		t.Errorf("calls primary=%d backup=%d", limited.calls, backup.calls)
	}
}

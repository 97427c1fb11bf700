package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("chain_a", []RPCProvider{
		NewHTTPProvider("chain_a-test", server.URL, time.Second),
	}, RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func TestClient_CallDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x2a"}`))
	})

	var head hexutil.Uint64
	require.NoError(t, c.Call(context.Background(), &head, "eth_blockNumber"))
	assert.Equal(t, uint64(42), uint64(head))
}

func TestClient_TransientAfterRetries(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Call(context.Background(), nil, "eth_blockNumber")
	var rpcErr *domain.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.True(t, rpcErr.Transient)
	assert.Equal(t, http.StatusBadGateway, rpcErr.Code)
	assert.Equal(t, 2, calls)
}

func TestClient_RevertIsNotTransient(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":3,"message":"execution reverted: proof exists"}}`))
	})

	err := c.Call(context.Background(), nil, "eth_estimateGas", map[string]any{})
	var rpcErr *domain.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.False(t, rpcErr.Transient)
	assert.True(t, rpcErr.Revert)
	assert.True(t, domain.IsRevert(err))
	assert.Equal(t, 1, calls)
}

func TestClient_MalformedIsNotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	err := c.Call(context.Background(), nil, "eth_blockNumber")
	assert.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

// Package rpc provides a resilient JSON-RPC client for EVM chains.
//
// A Client owns one or more providers for a single chain, retries transient
// failures with exponential backoff, fails over on rate limiting, and
// returns every failure as a *domain.RPCError carrying a Transient flag.
//
//	client := rpc.NewClient("chain_a", []rpc.RPCProvider{
//	    rpc.NewHTTPProvider("chain_a-primary", url, 15*time.Second),
//	}, rpc.DefaultRetryConfig)
//
//	var head hexutil.Uint64
//	err := client.Call(ctx, &head, "eth_blockNumber")
//
// Sub-packages:
//
//   - provider/ - HTTP JSON-RPC transport and health tracking
//   - routing/  - error classification, retry and failover
package rpc

import (
	"time"

	"github.com/vietddude/bridge-oracle/internal/infra/rpc/provider"
	"github.com/vietddude/bridge-oracle/internal/infra/rpc/routing"
)

// RPCProvider makes JSON-RPC calls against one endpoint.
type RPCProvider = provider.RPCProvider

// HealthStatus represents the health state of a provider.
type HealthStatus = provider.HealthStatus

// RetryConfig defines retry behavior.
type RetryConfig = routing.RetryConfig

// DefaultRetryConfig retries transient failures three times starting at 1s.
var DefaultRetryConfig = routing.DefaultRetryConfig

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *provider.HTTPProvider {
	return provider.NewHTTPProvider(name, endpoint, timeout)
}

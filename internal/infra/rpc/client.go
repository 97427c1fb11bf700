package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/metrics"
	"github.com/vietddude/bridge-oracle/internal/infra/rpc/provider"
	"github.com/vietddude/bridge-oracle/internal/infra/rpc/routing"
)

// Client is the per-chain entry point for JSON-RPC calls.
type Client struct {
	chainID   domain.ChainID
	providers []provider.RPCProvider
	retry     routing.RetryConfig
}

// NewClient creates a client that tries providers in order.
func NewClient(chainID domain.ChainID, providers []provider.RPCProvider, retry routing.RetryConfig) *Client {
	return &Client{
		chainID:   chainID,
		providers: providers,
		retry:     retry,
	}
}

// ChainID returns the chain this client talks to.
func (c *Client) ChainID() domain.ChainID {
	return c.chainID
}

// Health returns the health of each provider keyed by name.
func (c *Client) Health() map[string]provider.HealthStatus {
	out := make(map[string]provider.HealthStatus, len(c.providers))
	for _, p := range c.providers {
		out[p.GetName()] = p.GetHealth()
	}
	return out
}

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(string(c.chainID), method).Inc()

	raw, err := routing.CallWithRetryAndFailover(ctx, c.providers, method, params, c.retry)
	metrics.RPCLatency.WithLabelValues(string(c.chainID), method).Observe(time.Since(start).Seconds())
	if err != nil {
		rpcErr := c.classify(method, err)
		metrics.RPCErrorsTotal.WithLabelValues(string(c.chainID), method, errorType(rpcErr)).Inc()
		return rpcErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(string(c.chainID), method, "decode").Inc()
		return &domain.RPCError{
			Chain:   c.chainID,
			Method:  method,
			Message: "decode result: " + err.Error(),
			Err:     err,
		}
	}
	return nil
}

// Close closes every provider.
func (c *Client) Close() error {
	var errs []error
	for _, p := range c.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) classify(method string, err error) *domain.RPCError {
	out := &domain.RPCError{
		Chain:     c.chainID,
		Method:    method,
		Err:       err,
		Transient: routing.ClassifyError(err) != routing.ActionFatal,
	}

	var rpcErr *provider.JSONRPCError
	if errors.As(err, &rpcErr) {
		out.Code = rpcErr.Code
		out.Message = rpcErr.Message
		out.Revert = rpcErr.Code == 3 || strings.Contains(strings.ToLower(rpcErr.Message), "revert")
	}
	var statusErr *provider.HTTPStatusError
	if errors.As(err, &statusErr) {
		out.Code = statusErr.StatusCode
	}
	// The caller's own cancellation is never worth retrying.
	if errors.Is(err, context.Canceled) {
		out.Transient = false
	}
	return out
}

func errorType(err *domain.RPCError) string {
	switch {
	case err.Revert:
		return "revert"
	case err.Transient:
		return "transient"
	default:
		return "fatal"
	}
}

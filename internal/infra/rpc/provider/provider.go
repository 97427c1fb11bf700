// Package provider implements JSON-RPC transports for chain endpoints.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RPCProvider makes JSON-RPC calls against one endpoint.
type RPCProvider interface {
	// GetName returns provider identifier (e.g., "chain_a-primary")
	GetName() string

	// GetHealth returns current health metrics
	GetHealth() HealthStatus

	// Call makes a single RPC request and returns the raw result.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// Close cleans up resources
	Close() error
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	ThrottledAt   time.Time     `json:"throttled_at,omitempty"`
}

// JSONRPCError is an error object returned by the node.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is a non-200 reply from the endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// MalformedResponseError means the reply was not valid JSON-RPC.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("parse response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

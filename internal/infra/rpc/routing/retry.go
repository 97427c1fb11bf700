package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/vietddude/bridge-oracle/internal/infra/rpc/provider"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig retries transient failures three times starting at 1s.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    1 * time.Second,
	MaxDelay:        30 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fatal JSON-RPC codes: parse error, invalid request, method not found,
// invalid params, and 3 (execution reverted).
var fatalCodes = map[int]bool{
	-32700: true,
	-32600: true,
	-32601: true,
	-32602: true,
	3:      true,
}

// fatalMessages are node replies that repeating the call cannot fix.
var fatalMessages = []string{
	"execution reverted",
	"revert",
	"nonce too low",
	"nonce has already been used",
	"already known",
	"replacement transaction underpriced",
	"insufficient funds",
	"invalid sender",
	"intrinsic gas too low",
	"gas limit reached",
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}
	if errors.Is(err, context.Canceled) {
		return ActionFatal
	}

	var malformed *provider.MalformedResponseError
	if errors.As(err, &malformed) {
		return ActionFatal
	}

	var statusErr *provider.HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429 || statusErr.StatusCode == 403:
			return ActionFailover
		case statusErr.StatusCode >= 500:
			return ActionRetry
		default:
			return ActionFatal
		}
	}

	var rpcErr *provider.JSONRPCError
	if errors.As(err, &rpcErr) {
		if fatalCodes[rpcErr.Code] {
			return ActionFatal
		}
		lower := strings.ToLower(rpcErr.Message)
		for _, m := range fatalMessages {
			if strings.Contains(lower, m) {
				return ActionFatal
			}
		}
		if isRateLimit(lower) {
			return ActionFailover
		}
		return ActionRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ActionRetry
	}

	s := err.Error()
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}
	if isRateLimit(strings.ToLower(s)) || strings.Contains(s, "429") || strings.Contains(s, "403") {
		return ActionFailover
	}

	// Default to Retry (Network, 5xx, etc)
	return ActionRetry
}

func isRateLimit(lower string) bool {
	return strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "plan limit") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "count exceeded")
}

// CallWithRetry executes an RPC call with exponential backoff.
func CallWithRetry(
	ctx context.Context,
	p provider.RPCProvider,
	method string,
	params []any,
	config RetryConfig,
) ([]byte, error) {
	var lastErr error
	attempts := max(config.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := p.Call(ctx, method, params)
		if err == nil {
			return result, nil
		}

		lastErr = err

		action := ClassifyError(err)
		if action == ActionFatal || action == ActionFailover {
			return nil, err
		}

		if attempt == attempts-1 {
			break
		}

		delay := calculateBackoff(attempt, config)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// CallWithRetryAndFailover tries each provider in order with retry.
// Fatal errors stop immediately since another endpoint would answer the same.
func CallWithRetryAndFailover(
	ctx context.Context,
	providers []provider.RPCProvider,
	method string,
	params []any,
	config RetryConfig,
) ([]byte, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	var lastErr error
	for _, p := range providers {
		result, err := CallWithRetry(ctx, p, method, params, config)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ClassifyError(err) == ActionFatal {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// Backoff returns the delay before retry attempt (0-based).
func Backoff(attempt int, config RetryConfig) time.Duration {
	return calculateBackoff(attempt, config)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	mult := config.BackoffMultiple
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(config.InitialDelay) * math.Pow(mult, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

package throttle

import "time"

// AdaptiveConfig holds configuration for adaptive polling.
type AdaptiveConfig struct {
	// Enabled controls whether adaptive polling is active
	Enabled bool

	// Interval bounds
	MinPollInterval time.Duration // Fastest polling rate (default: 500ms)
	MaxPollInterval time.Duration // Slowest polling rate (default: 60s)

	// Head caching
	HeadCacheTTL time.Duration // How long to cache GetLatestBlock result (default: 3s)

	// Lag thresholds for interval adjustment, in blocks
	LagNormalThreshold int64 // Below this = half the base interval (default: 5)
	LagBurstThreshold  int64 // Above this = max speed (default: 50)
}

// DefaultConfig returns sensible defaults for adaptive polling.
func DefaultConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:            true,
		MinPollInterval:    500 * time.Millisecond,
		MaxPollInterval:    60 * time.Second,
		HeadCacheTTL:       3 * time.Second,
		LagNormalThreshold: 5,
		LagBurstThreshold:  50,
	}
}

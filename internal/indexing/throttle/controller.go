package throttle

import (
	"sync"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// AdaptiveController shortens the poll interval while a watcher is behind
// the chain head, e.g. when max_block_range caps each tick.
type AdaptiveController struct {
	chainID          domain.ChainID
	basePollInterval time.Duration
	config           AdaptiveConfig

	mu              sync.Mutex
	currentInterval time.Duration
}

// NewAdaptiveController creates a new adaptive controller. The bounds are
// widened so that basePollInterval always lies within them.
func NewAdaptiveController(
	chainID domain.ChainID,
	basePollInterval time.Duration,
	config AdaptiveConfig,
) *AdaptiveController {
	if config.MinPollInterval <= 0 || config.MinPollInterval > basePollInterval {
		config.MinPollInterval = basePollInterval
	}
	if config.MaxPollInterval < basePollInterval {
		config.MaxPollInterval = basePollInterval
	}
	return &AdaptiveController{
		chainID:          chainID,
		basePollInterval: basePollInterval,
		config:           config,
		currentInterval:  basePollInterval,
	}
}

// ComputeInterval calculates the delay before the next tick from the number
// of blocks still to scan.
//
// Algorithm:
//   - lag ≤ 0: Use base interval (at chain head, save API calls)
//   - lag < normal: Use base interval × 0.5 (slightly behind)
//   - lag < burst: Use min interval × 2 (catching up)
//   - lag ≥ burst: Use min interval (maximum catchup speed)
func (c *AdaptiveController) ComputeInterval(lag int64) time.Duration {
	if !c.config.Enabled {
		return c.basePollInterval
	}

	var interval time.Duration

	switch {
	case lag <= 0:
		interval = c.basePollInterval
	case lag < c.config.LagNormalThreshold:
		interval = c.basePollInterval / 2
	case lag < c.config.LagBurstThreshold:
		interval = c.config.MinPollInterval * 2
	default:
		interval = c.config.MinPollInterval
	}

	// Enforce bounds
	interval = max(interval, c.config.MinPollInterval)
	interval = min(interval, c.config.MaxPollInterval)

	c.mu.Lock()
	c.currentInterval = interval
	c.mu.Unlock()
	return interval
}

// GetCurrentInterval returns the last computed interval (for metrics).
func (c *AdaptiveController) GetCurrentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentInterval
}

// Package health provides system health monitoring and status reporting.
package health

import "github.com/vietddude/bridge-oracle/internal/core/domain"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health metrics for a specific chain watcher.
type ChainHealth struct {
	ChainID             domain.ChainID      `json:"chain_id"`
	Status              SystemStatus        `json:"status"`
	State               domain.WatcherState `json:"state"`
	Running             bool                `json:"running"`
	LatestBlock         uint64              `json:"latest_block"`
	BlockLag            uint64              `json:"block_lag"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastError           string              `json:"last_error,omitempty"`
}

// ProofHealth summarizes the idempotency store.
type ProofHealth struct {
	Status  SystemStatus              `json:"status"`
	ByState map[domain.ProofState]int `json:"by_state"`
	Error   string                    `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                   `json:"system_status"`
	Chains       map[domain.ChainID]ChainHealth `json:"chains"`
	Proofs       ProofHealth                    `json:"proofs"`
}

// worst returns the more severe of two statuses.
func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/cursor"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/throttle"
	"github.com/vietddude/bridge-oracle/internal/indexing/watcher"
)

// WatcherStatus reports the live status of one chain watcher.
type WatcherStatus interface {
	GetStatus() watcher.Status
}

// ProofCounter counts idempotency records by state.
type ProofCounter interface {
	CountByState(ctx context.Context) (map[domain.ProofState]int, error)
}

// Thresholds decide when a chain is degraded or critical.
type Thresholds struct {
	LagDegraded      uint64
	LagCritical      uint64
	FailuresCritical int
	// CheckInterval rate-limits full checks; cached reports are served in between.
	CheckInterval time.Duration
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LagDegraded:      10,
		LagCritical:      100,
		FailuresCritical: 5,
		CheckInterval:    10 * time.Second,
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	watchers   map[domain.ChainID]WatcherStatus
	heads      map[domain.ChainID]throttle.HeadSource
	cursorMgr  cursor.Manager
	proofs     ProofCounter
	thresholds Thresholds

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	watchers map[domain.ChainID]WatcherStatus,
	heads map[domain.ChainID]throttle.HeadSource,
	cursorMgr cursor.Manager,
	proofs ProofCounter,
	thresholds Thresholds,
) *Monitor {
	return &Monitor{
		watchers:   watchers,
		heads:      heads,
		cursorMgr:  cursorMgr,
		proofs:     proofs,
		thresholds: thresholds,
	}
}

// CheckHealth performs a health check for all chains.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid spamming RPC
	if m.lastReport != nil && time.Since(m.lastCheck) < m.thresholds.CheckInterval {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Chains:       make(map[domain.ChainID]ChainHealth, len(m.watchers)),
	}

	ids := make([]domain.ChainID, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		h := m.checkChain(ctx, id)
		report.Chains[id] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	report.Proofs = m.checkProofs(ctx)
	report.SystemStatus = worst(report.SystemStatus, report.Proofs.Status)

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

func (m *Monitor) checkChain(ctx context.Context, id domain.ChainID) ChainHealth {
	st := m.watchers[id].GetStatus()
	h := ChainHealth{
		ChainID:             id,
		Status:              StatusHealthy,
		State:               st.State,
		Running:             st.Running,
		LatestBlock:         st.LatestBlock,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
	}

	// Block lag against a fresh head when one is available
	if src, ok := m.heads[id]; ok {
		if latest, err := src.GetLatestBlock(ctx); err != nil {
			h.Status = StatusDegraded
			h.LastError = err.Error()
		} else {
			h.LatestBlock = latest
		}
	}
	if h.LatestBlock > 0 {
		if lag, err := m.cursorMgr.GetLag(ctx, id, h.LatestBlock); err == nil && lag > 0 {
			h.BlockLag = uint64(lag)
		}
	}

	// Evaluate Status
	switch {
	case !st.Running,
		h.BlockLag > m.thresholds.LagCritical,
		m.thresholds.FailuresCritical > 0 && st.ConsecutiveFailures >= m.thresholds.FailuresCritical:
		h.Status = StatusCritical
	case h.BlockLag > m.thresholds.LagDegraded, st.State == domain.WatcherStateErrorBackoff:
		h.Status = StatusDegraded
	}
	return h
}

func (m *Monitor) checkProofs(ctx context.Context) ProofHealth {
	if m.proofs == nil {
		return ProofHealth{Status: StatusHealthy}
	}
	counts, err := m.proofs.CountByState(ctx)
	if err != nil {
		return ProofHealth{Status: StatusCritical, Error: err.Error()}
	}
	return ProofHealth{Status: StatusHealthy, ByState: counts}
}

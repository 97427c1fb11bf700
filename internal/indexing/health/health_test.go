package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/bridge/coordinator"
	"github.com/vietddude/bridge-oracle/internal/core/cursor"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/indexing/throttle"
	"github.com/vietddude/bridge-oracle/internal/indexing/watcher"
)

// =============================================================================
// Mocks
// =============================================================================

type mockHead struct {
	height uint64
	err    error
}

func (m *mockHead) GetLatestBlock(ctx context.Context) (uint64, error) {
	return m.height, m.err
}

// Stub Cursor Manager; only GetLag is used by the monitor.
type stubCursorMgr struct {
	cursor.Manager
	lag int64
}

func (s *stubCursorMgr) GetLag(ctx context.Context, c domain.ChainID, l uint64) (int64, error) {
	return s.lag, nil
}

type stubWatcher struct {
	status watcher.Status
}

func (s *stubWatcher) GetStatus() watcher.Status { return s.status }

type stubProofs struct {
	counts map[domain.ProofState]int
	err    error
}

func (s *stubProofs) CountByState(ctx context.Context) (map[domain.ProofState]int, error) {
	return s.counts, s.err
}

type stubVerifier struct {
	v   *coordinator.Verification
	err error
}

func (s *stubVerifier) VerifyProof(
	ctx context.Context,
	key domain.ProofKey,
	now time.Time,
	onChain bool,
) (*coordinator.Verification, error) {
	return s.v, s.err
}

func newMonitor(lag int64, st watcher.Status, head *mockHead, proofs ProofCounter) *Monitor {
	return NewMonitor(
		map[domain.ChainID]WatcherStatus{"chain_a": &stubWatcher{status: st}},
		map[domain.ChainID]throttle.HeadSource{"chain_a": head},
		&stubCursorMgr{lag: lag},
		proofs,
		DefaultThresholds(),
	)
}

func running() watcher.Status {
	return watcher.Status{ChainID: "chain_a", State: cursor.StatePolling, Running: true}
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	monitor := newMonitor(5, running(), &mockHead{height: 1000}, &stubProofs{})

	report := monitor.CheckHealth(context.Background())
	health := report.Chains["chain_a"]

	if health.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", health.Status)
	}
	if health.BlockLag != 5 {
		t.Errorf("expected lag 5, got %d", health.BlockLag)
	}
	if health.LatestBlock != 1000 {
		t.Errorf("expected latest 1000, got %d", health.LatestBlock)
	}
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected system healthy, got %s", report.SystemStatus)
	}
}

func TestMonitor_Degraded(t *testing.T) {
	monitor := newMonitor(50, running(), &mockHead{height: 1000}, &stubProofs{})

	health := monitor.CheckHealth(context.Background()).Chains["chain_a"]
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
}

func TestMonitor_DegradedWhileBackingOff(t *testing.T) {
	st := running()
	st.State = cursor.StateErrorBackoff
	st.ConsecutiveFailures = 2
	st.LastError = "eth_getLogs: upstream down"
	monitor := newMonitor(0, st, &mockHead{height: 1000}, &stubProofs{})

	health := monitor.CheckHealth(context.Background()).Chains["chain_a"]
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if health.LastError != st.LastError {
		t.Errorf("expected last error %q, got %q", st.LastError, health.LastError)
	}
}

func TestMonitor_HeadErrorDegrades(t *testing.T) {
	monitor := newMonitor(0, running(), &mockHead{err: errors.New("dial tcp: refused")}, &stubProofs{})

	health := monitor.CheckHealth(context.Background()).Chains["chain_a"]
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
}

func TestMonitor_Critical(t *testing.T) {
	tests := []struct {
		name string
		lag  int64
		st   func() watcher.Status
	}{
		{"lag", 200, running},
		{"stopped", 0, func() watcher.Status {
			st := running()
			st.Running = false
			return st
		}},
		{"failures", 0, func() watcher.Status {
			st := running()
			st.State = cursor.StateErrorBackoff
			st.ConsecutiveFailures = 5
			return st
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := newMonitor(tt.lag, tt.st(), &mockHead{height: 1000}, &stubProofs{})
			report := monitor.CheckHealth(context.Background())
			if report.Chains["chain_a"].Status != StatusCritical {
				t.Errorf("expected critical, got %s", report.Chains["chain_a"].Status)
			}
			if report.SystemStatus != StatusCritical {
				t.Errorf("expected system critical, got %s", report.SystemStatus)
			}
		})
	}
}

func TestMonitor_ProofStoreError(t *testing.T) {
	monitor := newMonitor(0, running(), &mockHead{height: 10}, &stubProofs{err: errors.New("database is closed")})

	report := monitor.CheckHealth(context.Background())
	if report.Proofs.Status != StatusCritical {
		t.Errorf("expected proofs critical, got %s", report.Proofs.Status)
	}
	if report.SystemStatus != StatusCritical {
		t.Errorf("expected system critical, got %s", report.SystemStatus)
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	head := &mockHead{height: 1000}
	monitor := newMonitor(0, running(), head, &stubProofs{})

	monitor.CheckHealth(context.Background())
	head.height = 2000
	report := monitor.CheckHealth(context.Background())
	if report.Chains["chain_a"].LatestBlock != 1000 {
		t.Errorf("expected cached head 1000, got %d", report.Chains["chain_a"].LatestBlock)
	}
}

func TestServer_Health(t *testing.T) {
	monitor := newMonitor(200, running(), &mockHead{height: 1000}, &stubProofs{})
	srv := NewServer(monitor, nil, nil, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusCritical) {
		t.Errorf("expected critical, got %q", body["status"])
	}
}

func TestServer_Status(t *testing.T) {
	monitor := newMonitor(0, running(), &mockHead{height: 1}, &stubProofs{})
	srv := NewServer(monitor, func(ctx context.Context) any {
		return map[string]int{"queue_depth": 3}
	}, nil, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["queue_depth"] != 3 {
		t.Errorf("expected queue_depth 3, got %v", body)
	}
}

func TestServer_Proof(t *testing.T) {
	monitor := newMonitor(0, running(), &mockHead{height: 1}, &stubProofs{})
	key := domain.NewProofKey("chain_a", "chain_b", common.HexToHash("0x01"), "did:example:alice")

	tests := []struct {
		name     string
		path     string
		verifier *stubVerifier
		want     int
	}{
		{"found", "/proofs/" + string(key), &stubVerifier{v: &coordinator.Verification{Valid: true}}, http.StatusOK},
		{"missing", "/proofs/" + string(key), &stubVerifier{err: domain.ErrNotFound}, http.StatusNotFound},
		{"malformed", "/proofs/not-a-key", &stubVerifier{}, http.StatusBadRequest},
		{"chain error", "/proofs/" + string(key) + "?onchain=true", &stubVerifier{err: errors.New("rpc down")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(monitor, nil, tt.verifier, 0)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

// Package control wires chains, stores, the coordinator and the watchers
// into one Oracle process.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/bridge-oracle/internal/bridge/coordinator"
	"github.com/vietddude/bridge-oracle/internal/core/config"
	"github.com/vietddude/bridge-oracle/internal/core/cursor"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/core/nonce"
	"github.com/vietddude/bridge-oracle/internal/indexing/health"
	"github.com/vietddude/bridge-oracle/internal/indexing/throttle"
	"github.com/vietddude/bridge-oracle/internal/indexing/watcher"
	"github.com/vietddude/bridge-oracle/internal/infra/chain"
	"github.com/vietddude/bridge-oracle/internal/infra/chain/evm"
	"github.com/vietddude/bridge-oracle/internal/infra/issuer"
	redisclient "github.com/vietddude/bridge-oracle/internal/infra/redis"
	"github.com/vietddude/bridge-oracle/internal/infra/rpc"
	"github.com/vietddude/bridge-oracle/internal/infra/signer"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

const (
	lockTTL     = 30 * time.Second
	lockRefresh = 10 * time.Second
)

// Oracle owns every long-lived component of a deployment.
type Oracle struct {
	cfg    *config.AppConfig
	signer *signer.KeySigner
	order  []domain.ChainID

	store     *storage.Store
	redis     *redisclient.Client
	cursorMgr *cursor.DefaultManager
	clients   map[domain.ChainID]*rpc.Client
	chains    map[domain.ChainID]chain.Adapter
	heads     map[domain.ChainID]*throttle.HeadCache
	watchers  map[domain.ChainID]*watcher.Watcher
	nonces    *nonce.Sequencer
	coord     *coordinator.Coordinator

	healthMon    *health.Monitor
	healthServer *health.Server

	lockName  string
	lockToken string
}

// New builds an Oracle from a validated configuration. ctx bounds store
// setup and the database metrics collector.
func New(ctx context.Context, cfg *config.AppConfig) (*Oracle, error) {
	// 1. Signer
	s, err := signer.Load(cfg.Oracle.Signer)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}

	// 2. Storage
	store, rc, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cursorMgr := cursor.NewManager(store.Cursors)
	cursorMgr.SetStateChangeCallback(func(chainID domain.ChainID, t cursor.Transition) {
		slog.Debug("Watcher state changed", "chain", chainID, "from", t.From, "to", t.To, "reason", t.Reason)
	})

	o := &Oracle{
		cfg:       cfg,
		signer:    s,
		store:     store,
		redis:     rc,
		cursorMgr: cursorMgr,
		clients:   make(map[domain.ChainID]*rpc.Client, len(cfg.Chains)),
		chains:    make(map[domain.ChainID]chain.Adapter, len(cfg.Chains)),
		heads:     make(map[domain.ChainID]*throttle.HeadCache, len(cfg.Chains)),
		watchers:  make(map[domain.ChainID]*watcher.Watcher, len(cfg.Chains)),
		lockName:  "signer:" + s.Address().Hex(),
		lockToken: uuid.NewString(),
	}

	// 3. Chains
	sources := make(map[domain.ChainID]nonce.Source, len(cfg.Chains))
	coordChains := make(map[domain.ChainID]coordinator.Chain, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		ch, client := NewChain(cc, cfg.Oracle, s)
		o.order = append(o.order, cc.ID)
		o.clients[cc.ID] = client
		o.chains[cc.ID] = ch
		sources[cc.ID] = ch
		coordChains[cc.ID] = ch
	}
	o.nonces = nonce.NewSequencer(sources)

	// 4. Coordinator
	o.coord = coordinator.New(coordinator.Config{
		Account:         s.Address(),
		Workers:         cfg.Oracle.Workers,
		QueueSize:       cfg.Oracle.QueueSize,
		ProofValidity:   cfg.Oracle.ProofValidity,
		RPCTimeout:      cfg.Oracle.RPCTimeout,
		ReceiptTimeout:  cfg.Oracle.ReceiptTimeout,
		IssuanceTimeout: cfg.Issuer.IssuanceTimeout,
		IssuanceRetries: cfg.Oracle.IssuanceRetries,
		IssuanceBackoff: cfg.Oracle.IssuanceBackoff,
	}, coordChains, issuer.NewClient(cfg.Issuer), o.nonces, store.Proofs, store.Inbox)

	// 5. Watchers
	adaptive := throttle.DefaultConfig()
	for _, cc := range cfg.Chains {
		ch := o.chains[cc.ID]
		heads := throttle.NewHeadCache(ch, min(adaptive.HeadCacheTTL, cc.PollInterval))
		o.heads[cc.ID] = heads

		var ctrl *throttle.AdaptiveController
		if adaptive.Enabled {
			ctrl = throttle.NewAdaptiveController(cc.ID, cc.PollInterval, adaptive)
		}
		o.watchers[cc.ID] = watcher.New(watcher.Config{
			ChainID:       cc.ID,
			Source:        ch,
			Heads:         heads,
			Cursor:        cursorMgr,
			Sink:          o.coord,
			IsKnownChain:  o.isKnownChain,
			PollInterval:  cc.PollInterval,
			MaxBackoff:    cfg.Oracle.MaxBackoff,
			TickTimeout:   cfg.Oracle.RPCTimeout * 4,
			Confirmations: cc.Confirmations,
			MaxBlockRange: cc.MaxBlockRange,
			InitialCursor: cc.InitialCursor(),
			StartFromHead: cc.StartFromHead,
			Throttle:      ctrl,
		})
	}

	// 6. Health
	statuses := make(map[domain.ChainID]health.WatcherStatus, len(o.watchers))
	heads := make(map[domain.ChainID]throttle.HeadSource, len(o.heads))
	for id, w := range o.watchers {
		statuses[id] = w
		heads[id] = o.heads[id]
	}
	o.healthMon = health.NewMonitor(statuses, heads, cursorMgr, store.Proofs, health.DefaultThresholds())
	if cfg.Server.Port >= 0 {
		o.healthServer = health.NewServer(o.healthMon, func(ctx context.Context) any {
			return o.Status(ctx)
		}, o, cfg.Server.Port)
	}

	slog.Info("Oracle initialized",
		"signer", s.Address(),
		"chains", o.order,
		"storage", cfg.Storage.Driver,
	)
	return o, nil
}

// NewChain builds the JSON-RPC client and chain binding for one configured
// chain. s may be nil for read-only use.
func NewChain(cc config.ChainConfig, oc config.OracleConfig, s signer.Signer) (*evm.Chain, *rpc.Client) {
	providers := make([]rpc.RPCProvider, 0, len(cc.FallbackRPCURLs)+1)
	for i, url := range cc.RPCURLs() {
		providers = append(providers, rpc.NewHTTPProvider(fmt.Sprintf("%s-%d", cc.ID, i), url, oc.RPCTimeout))
	}
	retry := rpc.DefaultRetryConfig
	if oc.RPCRetries > 0 {
		retry.MaxAttempts = oc.RPCRetries
	}
	client := rpc.NewClient(cc.ID, providers, retry)
	return evm.NewChain(cc.Endpoint(), evm.NewClient(cc.ID, client, s, evm.Config{
		NumericChainID: cc.ChainID,
		GasLimitCap:    cc.GasLimitCap,
	})), client
}

func (o *Oracle) isKnownChain(id domain.ChainID) bool {
	_, ok := o.chains[id]
	return ok
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails. Watchers stop first; queued locks are then drained for up to
// shutdown_timeout.
func (o *Oracle) Run(ctx context.Context) error {
	defer o.close()

	if err := o.acquireLock(ctx); err != nil {
		return err
	}
	defer o.releaseLock()

	o.seedNonces(ctx)

	// The coordinator outlives ctx so queued locks can drain.
	if err := o.coord.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range o.order {
		w := o.watchers[id]
		g.Go(func() error {
			if err := w.Start(gctx); err != nil {
				return fmt.Errorf("watcher %s: %w", id, err)
			}
			return nil
		})
	}
	if o.healthServer != nil {
		g.Go(o.healthServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return o.healthServer.Stop(stopCtx)
		})
	}
	if o.redis != nil {
		g.Go(func() error { return o.keepLock(gctx) })
	}

	slog.Info("Oracle started", "chains", len(o.order), "workers", o.cfg.Oracle.Workers)
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	for _, w := range o.watchers {
		_ = w.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Oracle.ShutdownTimeout)
	defer cancel()
	if err := o.coord.Shutdown(shutdownCtx); err != nil {
		slog.Error("Coordinator did not drain", "error", err)
		runErr = errors.Join(runErr, err)
	}

	slog.Info("Oracle stopped")
	return runErr
}

// seedNonces reads the pending nonce of the oracle account on every chain.
// A chain that cannot be reached now is seeded on its first proof instead.
func (o *Oracle) seedNonces(ctx context.Context) {
	var g errgroup.Group
	for _, id := range o.order {
		g.Go(func() error {
			if err := o.nonces.Seed(ctx, id, o.signer.Address()); err != nil {
				slog.Warn("Failed to seed nonce; retrying on first use", "chain", id, "error", err)
				return nil
			}
			n, _ := o.nonces.Peek(id, o.signer.Address())
			slog.Info("Nonce seeded", "chain", id, "account", o.signer.Address(), "next", n)
			return nil
		})
	}
	_ = g.Wait()
}

// acquireLock keeps a second process with the same signer from running:
// both would hand out the same nonces.
func (o *Oracle) acquireLock(ctx context.Context) error {
	if o.redis == nil {
		return nil
	}
	if err := o.redis.AcquireLock(ctx, o.lockName, o.lockToken, lockTTL); err != nil {
		return fmt.Errorf("acquire oracle lock: %w", err)
	}
	slog.Info("Oracle lock acquired", "lock", o.lockName)
	return nil
}

func (o *Oracle) keepLock(ctx context.Context) error {
	ticker := time.NewTicker(lockRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.redis.RefreshLock(ctx, o.lockName, o.lockToken, lockTTL); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("oracle lock lost: %w", err)
			}
		}
	}
}

func (o *Oracle) releaseLock() {
	if o.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.redis.ReleaseLock(ctx, o.lockName, o.lockToken); err != nil {
		slog.Warn("Failed to release oracle lock", "error", err)
	}
}

func (o *Oracle) close() {
	for id, c := range o.clients {
		if err := c.Close(); err != nil {
			slog.Debug("Failed to close rpc client", "chain", id, "error", err)
		}
	}
	if err := o.store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}

// ChainStatus is the live view of one chain.
type ChainStatus struct {
	watcher.Status
	NextNonce *uint64 `json:"next_nonce,omitempty"`
}

// Status is the document served on /status.
type Status struct {
	Signer      common.Address            `json:"signer"`
	Chains      []ChainStatus             `json:"chains"`
	Coordinator coordinator.Status        `json:"coordinator"`
	Proofs      map[domain.ProofState]int `json:"proofs,omitempty"`
	ProofsError string                    `json:"proofs_error,omitempty"`
}

// Status returns watchers, coordinator and store counts.
func (o *Oracle) Status(ctx context.Context) Status {
	st := Status{
		Signer:      o.signer.Address(),
		Coordinator: o.coord.Status(),
	}
	for _, id := range o.order {
		cs := ChainStatus{Status: o.watchers[id].GetStatus()}
		if n, ok := o.nonces.Peek(id, o.signer.Address()); ok {
			cs.NextNonce = &n
		}
		st.Chains = append(st.Chains, cs)
	}
	sort.Slice(st.Chains, func(i, j int) bool { return st.Chains[i].ChainID < st.Chains[j].ChainID })

	counts, err := o.store.Proofs.CountByState(ctx)
	if err != nil {
		st.ProofsError = err.Error()
	} else {
		st.Proofs = counts
	}
	return st
}

// Health returns the aggregated health report.
func (o *Oracle) Health(ctx context.Context) health.HealthReport {
	return o.healthMon.CheckHealth(ctx)
}

// VerifyProof checks the proof stored under key. With onChain set, or when
// verify_on_chain is configured, the target verifier is asked as well.
func (o *Oracle) VerifyProof(
	ctx context.Context,
	key domain.ProofKey,
	now time.Time,
	onChain bool,
) (*coordinator.Verification, error) {
	return o.coord.VerifyProof(ctx, key, now, onChain || o.cfg.Oracle.VerifyOnChain)
}

// VerifyProof checks a proof against an existing store without starting an
// Oracle. Chains are bound read-only.
func VerifyProof(
	ctx context.Context,
	cfg *config.AppConfig,
	store *storage.Store,
	key domain.ProofKey,
	onChain bool,
) (*coordinator.Verification, error) {
	chains := make(map[domain.ChainID]coordinator.Chain, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		ch, client := NewChain(cc, cfg.Oracle, nil)
		defer client.Close()
		chains[cc.ID] = ch
	}
	c := coordinator.New(coordinator.Config{RPCTimeout: cfg.Oracle.RPCTimeout}, chains, nil, nil, store.Proofs, nil)
	return c.VerifyProof(ctx, key, time.Now(), onChain)
}

package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/bridge-oracle/internal/core/config"
	"github.com/vietddude/bridge-oracle/internal/core/cursor"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
	redisclient "github.com/vietddude/bridge-oracle/internal/infra/redis"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
	"github.com/vietddude/bridge-oracle/internal/infra/storage/bolt"
	"github.com/vietddude/bridge-oracle/internal/infra/storage/memory"
	"github.com/vietddude/bridge-oracle/internal/infra/storage/postgres"
)

// OpenStore opens the configured backends. The returned redis client is
// non-nil when redis is configured; it is also closed by store.Close.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (*storage.Store, *redisclient.Client, error) {
	var (
		store *storage.Store
		err   error
	)
	switch cfg.Storage.Driver {
	case "memory":
		store = memory.NewStore()
		slog.Info("Using memory storage")
	case "bolt":
		store, err = bolt.NewStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using bolt storage", "path", cfg.Storage.Path)
	case "postgres":
		store, err = postgres.NewStore(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init db: %w", err)
		}
		slog.Info("Using PostgreSQL storage")
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Redis.URL == "" {
		return store, nil, nil
	}
	rc, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	if cfg.Storage.CursorDriver == "redis" {
		slog.Info("Using Redis for cursors")
		return storage.NewStore(redisclient.NewCursorRepo(rc), store.Proofs, store.Inbox, store, rc), rc, nil
	}
	return storage.NewStore(store.Cursors, store.Proofs, store.Inbox, store, rc), rc, nil
}

// StoreStatus is what the stores alone can tell about a deployment.
type StoreStatus struct {
	Cursors   []*domain.Cursor          `json:"cursors"`
	Proofs    map[domain.ProofState]int `json:"proofs"`
	Submitted []*domain.ProofRecord     `json:"submitted,omitempty"`
}

// ReadStoreStatus collects cursors, proof counts and proofs still waiting
// for a receipt.
func ReadStoreStatus(ctx context.Context, store *storage.Store) (*StoreStatus, error) {
	cursors, err := store.Cursors.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	counts, err := store.Proofs.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count proofs: %w", err)
	}
	submitted, err := store.Proofs.ListByState(ctx, domain.ProofStateSubmitted, 50)
	if err != nil {
		return nil, fmt.Errorf("list submitted proofs: %w", err)
	}
	return &StoreStatus{Cursors: cursors, Proofs: counts, Submitted: submitted}, nil
}

// ResetCursor moves the persisted cursor of chainID. The oracle must not be
// running. Moving it back replays locks; recorded proofs are deduplicated.
func ResetCursor(ctx context.Context, store *storage.Store, chainID domain.ChainID, block int64) error {
	if err := cursor.NewManager(store.Cursors).Reset(ctx, chainID, block); err != nil {
		return fmt.Errorf("reset cursor %s: %w", chainID, err)
	}
	slog.Info("Cursor reset", "chain", chainID, "block", block)
	return nil
}

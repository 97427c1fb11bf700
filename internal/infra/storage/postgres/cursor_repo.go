package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

type cursorRow struct {
	ChainID     string `db:"chain_id"`
	BlockNumber int64  `db:"block_number"`
	State       string `db:"state"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r cursorRow) toDomain() *domain.Cursor {
	return &domain.Cursor{
		ChainID:            domain.ChainID(r.ChainID),
		LastProcessedBlock: r.BlockNumber,
		State:              domain.WatcherState(r.State),
		UpdatedAt:          time.Unix(r.UpdatedAt, 0),
	}
}

// Save upserts a cursor.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	const query = `
		INSERT INTO cursors (chain_id, block_number, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id) DO UPDATE
		SET block_number = EXCLUDED.block_number,
		    state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query,
		string(cursor.ChainID), cursor.LastProcessedBlock, string(cursor.State), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Get retrieves a cursor by chain ID.
func (r *CursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row,
		`SELECT chain_id, block_number, state, updated_at FROM cursors WHERE chain_id = $1`,
		string(chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return row.toDomain(), nil
}

// List returns all cursors ordered by chain.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	var rows []cursorRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT chain_id, block_number, state, updated_at FROM cursors ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	out := make([]*domain.Cursor, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// InboxRepo implements storage.InboxRepository using PostgreSQL.
type InboxRepo struct {
	db *DB
}

// NewInboxRepo creates a new PostgreSQL inbox repository.
func NewInboxRepo(db *DB) *InboxRepo {
	return &InboxRepo{db: db}
}

func (r *InboxRepo) Put(ctx context.Context, lock *domain.LockEvent) error {
	payload, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO lock_inbox (ref, source_chain_id, block_number, log_index, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO UPDATE SET payload = EXCLUDED.payload`,
		lock.Ref(), string(lock.SourceChainID), int64(lock.SourceBlockNumber), int(lock.LogIndex), payload)
	if err != nil {
		return fmt.Errorf("failed to store lock: %w", err)
	}
	return nil
}

func (r *InboxRepo) Delete(ctx context.Context, ref string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM lock_inbox WHERE ref = $1`, ref); err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

func (r *InboxRepo) List(ctx context.Context) ([]*domain.LockEvent, error) {
	var payloads [][]byte
	if err := r.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM lock_inbox
		ORDER BY source_chain_id, block_number, log_index`); err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	out := make([]*domain.LockEvent, 0, len(payloads))
	for _, p := range payloads {
		lock := new(domain.LockEvent)
		if err := json.Unmarshal(p, lock); err != nil {
			return nil, fmt.Errorf("failed to decode lock: %w", err)
		}
		out = append(out, lock)
	}
	return out, nil
}

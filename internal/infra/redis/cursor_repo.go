package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository on a Redis hash keyed by chain.
type CursorRepo struct {
	client *Client
}

// NewCursorRepo creates a new Redis-backed cursor repository.
func NewCursorRepo(client *Client) *CursorRepo {
	return &CursorRepo{client: client}
}

func (r *CursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	raw, err := r.client.rdb.HGet(ctx, r.client.cursorsKey(), string(chainID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget cursor: %w", err)
	}
	cur := new(domain.Cursor)
	if err := json.Unmarshal(raw, cur); err != nil {
		return nil, fmt.Errorf("decode cursor %s: %w", chainID, err)
	}
	return cur, nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	cp := *cursor
	cp.UpdatedAt = time.Now()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := r.client.rdb.HSet(ctx, r.client.cursorsKey(), string(cursor.ChainID), data).Err(); err != nil {
		return fmt.Errorf("hset cursor: %w", err)
	}
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	all, err := r.client.rdb.HGetAll(ctx, r.client.cursorsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall cursors: %w", err)
	}
	out := make([]*domain.Cursor, 0, len(all))
	for chainID, raw := range all {
		cur := new(domain.Cursor)
		if err := json.Unmarshal([]byte(raw), cur); err != nil {
			return nil, fmt.Errorf("decode cursor %s: %w", chainID, err)
		}
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

// Package bolt keeps oracle state in a single local bbolt file.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

var (
	bucketProofs  = []byte("proofs")
	bucketCursors = []byte("cursors")
	bucketInbox   = []byte("inbox")
)

// DB wraps the bbolt handle shared by the repositories.
type DB struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the state file at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProofs); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCursors); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketInbox); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

// NewStore opens path and returns the repositories over it.
func NewStore(path string) (*storage.Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(NewCursorRepo(db), NewProofRepo(db), NewInboxRepo(db), db), nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// CursorRepo implements storage.CursorRepository.
type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	var cur *domain.Cursor
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCursors).Get([]byte(chainID))
		if raw == nil {
			return storage.ErrCursorNotFound
		}
		cur = new(domain.Cursor)
		return json.Unmarshal(raw, cur)
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	cp := *cursor
	cp.UpdatedAt = r.db.now()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursors).Put([]byte(cursor.ChainID), raw)
	})
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	var out []*domain.Cursor
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursors).ForEach(func(_, v []byte) error {
			cur := new(domain.Cursor)
			if err := json.Unmarshal(v, cur); err != nil {
				return err
			}
			out = append(out, cur)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// bbolt iterates keys in byte order, which is already chain id order.
	return out, nil
}

// ProofRepo implements storage.ProofRepository. Every mutation runs in a
// single bbolt write transaction, which serializes writers.
type ProofRepo struct {
	db *DB
}

func NewProofRepo(db *DB) *ProofRepo {
	return &ProofRepo{db: db}
}

func (r *ProofRepo) Get(ctx context.Context, key domain.ProofKey) (*domain.ProofRecord, error) {
	var rec *domain.ProofRecord
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getProof(tx.Bucket(bucketProofs), key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *ProofRepo) Reserve(
	ctx context.Context,
	rec *domain.ProofRecord,
) (*domain.ProofRecord, bool, error) {
	if rec.Key == "" {
		return nil, false, fmt.Errorf("proof key required")
	}
	var existing *domain.ProofRecord
	reserved := false
	err := r.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProofs)
		got, err := getProof(bucket, rec.Key)
		if err == nil {
			existing = got
			return nil
		}
		if err != storage.ErrProofNotFound {
			return err
		}
		now := r.db.now()
		cp := *rec
		cp.State = domain.ProofStatePending
		cp.CreatedAt = now
		cp.UpdatedAt = now
		reserved = true
		return putProof(bucket, &cp)
	})
	if err != nil {
		return nil, false, err
	}
	return existing, reserved, nil
}

func (r *ProofRepo) MarkSubmitted(
	ctx context.Context,
	key domain.ProofKey,
	txHash common.Hash,
	nonce uint64,
) error {
	return r.update(key, func(rec *domain.ProofRecord) error {
		if rec.State == domain.ProofStateRecorded {
			return storage.ErrInvalidState
		}
		rec.State = domain.ProofStateSubmitted
		rec.TxHash = txHash
		rec.Nonce = nonce
		return nil
	})
}

func (r *ProofRepo) MarkRecorded(ctx context.Context, key domain.ProofKey, txHash common.Hash) error {
	return r.update(key, func(rec *domain.ProofRecord) error {
		rec.State = domain.ProofStateRecorded
		if txHash != (common.Hash{}) {
			rec.TxHash = txHash
		}
		return nil
	})
}

func (r *ProofRepo) Release(ctx context.Context, key domain.ProofKey) error {
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProofs)
		rec, err := getProof(bucket, key)
		if err == storage.ErrProofNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State != domain.ProofStatePending {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (r *ProofRepo) Discard(ctx context.Context, key domain.ProofKey, txHash common.Hash) error {
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProofs)
		rec, err := getProof(bucket, key)
		if err == storage.ErrProofNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State != domain.ProofStateSubmitted || rec.TxHash != txHash {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (r *ProofRepo) ListByState(
	ctx context.Context,
	state domain.ProofState,
	limit int,
) ([]*domain.ProofRecord, error) {
	var out []*domain.ProofRecord
	err := r.forEach(func(rec *domain.ProofRecord) {
		if rec.State == state {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ProofRepo) CountByState(ctx context.Context) (map[domain.ProofState]int, error) {
	counts := make(map[domain.ProofState]int)
	err := r.forEach(func(rec *domain.ProofRecord) {
		counts[rec.State]++
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *ProofRepo) update(key domain.ProofKey, fn func(rec *domain.ProofRecord) error) error {
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProofs)
		rec, err := getProof(bucket, key)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = r.db.now()
		return putProof(bucket, rec)
	})
}

func (r *ProofRepo) forEach(fn func(rec *domain.ProofRecord)) error {
	return r.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProofs).ForEach(func(_, v []byte) error {
			rec := new(domain.ProofRecord)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode proof record: %w", err)
			}
			fn(rec)
			return nil
		})
	})
}

func getProof(bucket *bbolt.Bucket, key domain.ProofKey) (*domain.ProofRecord, error) {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return nil, storage.ErrProofNotFound
	}
	rec := new(domain.ProofRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode proof record %s: %w", key, err)
	}
	return rec, nil
}

func putProof(bucket *bbolt.Bucket, rec *domain.ProofRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode proof record: %w", err)
	}
	return bucket.Put([]byte(rec.Key), raw)
}

// InboxRepo implements storage.InboxRepository, one JSON value per lock ref.
type InboxRepo struct {
	db *DB
}

func NewInboxRepo(db *DB) *InboxRepo {
	return &InboxRepo{db: db}
}

func (r *InboxRepo) Put(ctx context.Context, lock *domain.LockEvent) error {
	raw, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInbox).Put([]byte(lock.Ref()), raw)
	})
}

func (r *InboxRepo) Delete(ctx context.Context, ref string) error {
	return r.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInbox).Delete([]byte(ref))
	})
}

func (r *InboxRepo) List(ctx context.Context) ([]*domain.LockEvent, error) {
	var out []*domain.LockEvent
	err := r.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInbox).ForEach(func(k, v []byte) error {
			lock := new(domain.LockEvent)
			if err := json.Unmarshal(v, lock); err != nil {
				return fmt.Errorf("decode inbox lock %s: %w", k, err)
			}
			out = append(out, lock)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortLocks(out)
	return out, nil
}

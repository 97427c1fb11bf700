package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/storage"
)

// ProofRepo implements storage.ProofRepository using PostgreSQL. Reserve
// relies on the primary key plus ON CONFLICT DO NOTHING for atomicity.
type ProofRepo struct {
	db *DB
}

// NewProofRepo creates a new PostgreSQL proof repository.
func NewProofRepo(db *DB) *ProofRepo {
	return &ProofRepo{db: db}
}

const proofColumns = `key, lock_id, state, user_did, source_chain_id, target_chain_id,
	source_tx_hash, amount::text AS amount, token_address, issued_at, expires_at, consumed,
	credential_exchange_id, tx_hash, nonce, created_at, updated_at`

type proofRow struct {
	Key                  string    `db:"key"`
	LockID               string    `db:"lock_id"`
	State                string    `db:"state"`
	UserDID              string    `db:"user_did"`
	SourceChainID        string    `db:"source_chain_id"`
	TargetChainID        string    `db:"target_chain_id"`
	SourceTxHash         string    `db:"source_tx_hash"`
	Amount               string    `db:"amount"`
	TokenAddress         string    `db:"token_address"`
	IssuedAt             time.Time `db:"issued_at"`
	ExpiresAt            time.Time `db:"expires_at"`
	Consumed             bool      `db:"consumed"`
	CredentialExchangeID string    `db:"credential_exchange_id"`
	TxHash               string    `db:"tx_hash"`
	Nonce                int64     `db:"nonce"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r proofRow) toDomain() (*domain.ProofRecord, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q for %s", r.Amount, r.Key)
	}
	rec := &domain.ProofRecord{
		Key:    domain.ProofKey(r.Key),
		LockID: common.HexToHash(r.LockID),
		State:  domain.ProofState(r.State),
		Proof: domain.CrossChainProof{
			UserDID:       r.UserDID,
			SourceChainID: domain.ChainID(r.SourceChainID),
			TargetChainID: domain.ChainID(r.TargetChainID),
			SourceTxHash:  common.HexToHash(r.SourceTxHash),
			Amount:        amount,
			TokenAddress:  common.HexToAddress(r.TokenAddress),
			IssuedAt:      r.IssuedAt,
			ExpiresAt:     r.ExpiresAt,
			Consumed:      r.Consumed,
		},
		CredentialExchangeID: r.CredentialExchangeID,
		Nonce:                uint64(r.Nonce),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.TxHash != "" {
		rec.TxHash = common.HexToHash(r.TxHash)
	}
	return rec, nil
}

func (r *ProofRepo) Get(ctx context.Context, key domain.ProofKey) (*domain.ProofRecord, error) {
	var row proofRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+proofColumns+` FROM proof_records WHERE key = $1`, string(key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proof record: %w", err)
	}
	return row.toDomain()
}

func (r *ProofRepo) Reserve(
	ctx context.Context,
	rec *domain.ProofRecord,
) (*domain.ProofRecord, bool, error) {
	const query = `
		INSERT INTO proof_records (
			key, lock_id, state, user_did, source_chain_id, target_chain_id, source_tx_hash,
			amount, token_address, issued_at, expires_at, consumed, credential_exchange_id,
			tx_hash, nonce, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, '', 0, now(), now())
		ON CONFLICT (key) DO NOTHING`

	amount := "0"
	if rec.Proof.Amount != nil {
		amount = rec.Proof.Amount.String()
	}
	res, err := r.db.ExecContext(ctx, query,
		string(rec.Key),
		rec.LockID.Hex(),
		string(domain.ProofStatePending),
		rec.Proof.UserDID,
		string(rec.Proof.SourceChainID),
		string(rec.Proof.TargetChainID),
		rec.Proof.SourceTxHash.Hex(),
		amount,
		rec.Proof.TokenAddress.Hex(),
		rec.Proof.IssuedAt,
		rec.Proof.ExpiresAt,
		rec.Proof.Consumed,
		rec.CredentialExchangeID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve proof: %w", err)
	}
	if n == 1 {
		return nil, true, nil
	}

	existing, err := r.Get(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *ProofRepo) MarkSubmitted(
	ctx context.Context,
	key domain.ProofKey,
	txHash common.Hash,
	nonce uint64,
) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proof_records SET state = $2, tx_hash = $3, nonce = $4, updated_at = now()
		WHERE key = $1 AND state <> $5`,
		string(key), string(domain.ProofStateSubmitted), txHash.Hex(), int64(nonce),
		string(domain.ProofStateRecorded))
	if err != nil {
		return fmt.Errorf("failed to mark proof submitted: %w", err)
	}
	return r.checkUpdated(ctx, res, key)
}

func (r *ProofRepo) MarkRecorded(ctx context.Context, key domain.ProofKey, txHash common.Hash) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proof_records
		SET state = $2,
		    tx_hash = CASE WHEN $3 = '' THEN tx_hash ELSE $3 END,
		    updated_at = now()
		WHERE key = $1`,
		string(key), string(domain.ProofStateRecorded), hashOrEmpty(txHash))
	if err != nil {
		return fmt.Errorf("failed to mark proof recorded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrProofNotFound
	}
	return nil
}

func (r *ProofRepo) Release(ctx context.Context, key domain.ProofKey) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM proof_records WHERE key = $1 AND state = $2`,
		string(key), string(domain.ProofStatePending))
	if err != nil {
		return fmt.Errorf("failed to release proof: %w", err)
	}
	return nil
}

func (r *ProofRepo) Discard(ctx context.Context, key domain.ProofKey, txHash common.Hash) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM proof_records WHERE key = $1 AND state = $2 AND tx_hash = $3`,
		string(key), string(domain.ProofStateSubmitted), txHash.Hex())
	if err != nil {
		return fmt.Errorf("failed to discard proof: %w", err)
	}
	return nil
}

func (r *ProofRepo) ListByState(
	ctx context.Context,
	state domain.ProofState,
	limit int,
) ([]*domain.ProofRecord, error) {
	query := `SELECT ` + proofColumns + ` FROM proof_records WHERE state = $1 ORDER BY created_at`
	args := []any{string(state)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []proofRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list proofs: %w", err)
	}
	out := make([]*domain.ProofRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *ProofRepo) CountByState(ctx context.Context) (map[domain.ProofState]int, error) {
	var rows []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT state, count(*) AS count FROM proof_records GROUP BY state`); err != nil {
		return nil, fmt.Errorf("failed to count proofs: %w", err)
	}
	counts := make(map[domain.ProofState]int, len(rows))
	for _, row := range rows {
		counts[domain.ProofState(row.State)] = row.Count
	}
	return counts, nil
}

// checkUpdated distinguishes a missing key from a state guard rejection.
func (r *ProofRepo) checkUpdated(ctx context.Context, res sql.Result, key domain.ProofKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	return storage.ErrInvalidState
}

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

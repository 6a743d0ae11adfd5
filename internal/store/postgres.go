package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
)

// Schema creates the tables PostgresStore expects. Amounts are NUMERIC with
// 18 fractional digits, matching numeric.Value.
const Schema = `
CREATE TABLE IF NOT EXISTS troves (
    owner       TEXT PRIMARY KEY,
    collateral  NUMERIC(78, 18) NOT NULL,
    debt        NUMERIC(78, 18) NOT NULL,
    stake       NUMERIC(78, 18) NOT NULL,
    status      TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS system_state (
    id                  SMALLINT PRIMARY KEY CHECK (id = 1),
    price               NUMERIC(78, 18) NOT NULL,
    total_collateral    NUMERIC(78, 18) NOT NULL,
    total_debt          NUMERIC(78, 18) NOT NULL,
    trove_count         INTEGER NOT NULL,
    base_rate           NUMERIC(78, 18) NOT NULL,
    last_fee_operation  TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tx_records (
    id          TEXT PRIMARY KEY,
    owner       TEXT NOT NULL,
    kind        TEXT NOT NULL,
    hash        TEXT NOT NULL DEFAULT '',
    gas_limit   BIGINT NOT NULL,
    gas_used    BIGINT NOT NULL DEFAULT 0,
    amount      NUMERIC(78, 18) NOT NULL,
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS tx_records_owner_idx ON tx_records (owner, created_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// parse reads a NUMERIC rendered as text. The column types guarantee the
// format, so a parse failure leaves zero.
func parse(s string) numeric.Value {
	v, _ := numeric.Parse(s)
	return v
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

const upsertTrove = `
INSERT INTO troves (owner, collateral, debt, stake, status, updated_at)
VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6)
ON CONFLICT (owner) DO UPDATE
SET collateral = EXCLUDED.collateral, debt = EXCLUDED.debt, stake = EXCLUDED.stake,
    status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) ReplaceTroves(ctx context.Context, troves []model.Trove) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM troves`); err != nil {
		return fmt.Errorf("clear troves: %w", err)
	}
	batch := &pgx.Batch{}
	for _, t := range troves {
		batch.Queue(upsertTrove,
			t.Owner.Hex(), t.Collateral.String(), t.Debt.String(), t.Stake.String(),
			string(t.Status), t.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert troves: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpsertTrove(ctx context.Context, t *model.Trove) error {
	_, err := s.pool.Exec(ctx, upsertTrove,
		t.Owner.Hex(), t.Collateral.String(), t.Debt.String(), t.Stake.String(),
		string(t.Status), t.UpdatedAt)
	return err
}

func scanTrove(row pgx.Row) (model.Trove, error) {
	var t model.Trove
	var owner, coll, debt, stake, status string
	if err := row.Scan(&owner, &coll, &debt, &stake, &status, &t.UpdatedAt); err != nil {
		return model.Trove{}, err
	}
	t.Owner = common.HexToAddress(owner)
	t.Collateral = parse(coll)
	t.Debt = parse(debt)
	t.Stake = parse(stake)
	t.Status = model.TroveStatus(status)
	return t, nil
}

func (s *PostgresStore) GetTrove(ctx context.Context, owner common.Address) (*model.Trove, error) {
	t, err := scanTrove(s.pool.QueryRow(ctx,
		`SELECT owner, collateral::TEXT, debt::TEXT, stake::TEXT, status, updated_at
		 FROM troves WHERE owner = $1`, owner.Hex()))
	if err != nil {
		return nil, notFound(err, "get trove "+owner.Hex())
	}
	return &t, nil
}

// nicrOrder sorts as SortByNICR does, so LIMIT cuts the same prefix:
// the ratio is computed at 40 digits and truncated to 18, and owners compare
// bytewise.
const nicrOrder = `TRUNC((collateral * 100)::NUMERIC(100, 40) / NULLIF(debt, 0), 18) ASC NULLS LAST,
	          owner COLLATE "C"`

func (s *PostgresStore) ListTrovesByNICR(ctx context.Context, limit int) ([]model.Trove, error) {
	query := `SELECT owner, collateral::TEXT, debt::TEXT, stake::TEXT, status, updated_at
	          FROM troves WHERE status = $1
	          ORDER BY ` + nicrOrder
	args := []interface{}{string(model.StatusOpen)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var troves []model.Trove
	for rows.Next() {
		t, err := scanTrove(rows)
		if err != nil {
			return nil, err
		}
		troves = append(troves, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return troves, nil
}

func (s *PostgresStore) SaveSystemState(ctx context.Context, st *model.SystemState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_state (id, price, total_collateral, total_debt, trove_count, base_rate, last_fee_operation, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET price = EXCLUDED.price, total_collateral = EXCLUDED.total_collateral,
		     total_debt = EXCLUDED.total_debt, trove_count = EXCLUDED.trove_count,
		     base_rate = EXCLUDED.base_rate, last_fee_operation = EXCLUDED.last_fee_operation,
		     updated_at = EXCLUDED.updated_at`,
		st.Price.String(), st.TotalCollateral.String(), st.TotalDebt.String(), st.TroveCount,
		st.BaseRate.String(), st.LastFeeOperation, st.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSystemState(ctx context.Context) (*model.SystemState, error) {
	var st model.SystemState
	var price, coll, debt, baseRate string

	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT, total_collateral::TEXT, total_debt::TEXT, trove_count,
		        base_rate::TEXT, last_fee_operation, updated_at
		 FROM system_state WHERE id = 1`).
		Scan(&price, &coll, &debt, &st.TroveCount, &baseRate, &st.LastFeeOperation, &st.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "get system state")
	}

	st.Price = parse(price)
	st.TotalCollateral = parse(coll)
	st.TotalDebt = parse(debt)
	st.BaseRate = parse(baseRate)
	return &st, nil
}

func (s *PostgresStore) InsertTxRecord(ctx context.Context, r *model.TxRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tx_records (id, owner, kind, hash, gas_limit, gas_used, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		r.ID, r.Owner.Hex(), r.Kind, r.Hash, int64(r.GasLimit), int64(r.GasUsed),
		r.Amount.String(), string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateTxRecord(ctx context.Context, r *model.TxRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tx_records
		 SET hash = $2, gas_used = $3, status = $4, updated_at = $5
		 WHERE id = $1`,
		r.ID, r.Hash, int64(r.GasUsed), string(r.Status), r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tx record %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func scanTxRecord(row pgx.Row) (model.TxRecord, error) {
	var r model.TxRecord
	var owner, amount, status string
	var gasLimit, gasUsed int64
	if err := row.Scan(&r.ID, &owner, &r.Kind, &r.Hash, &gasLimit, &gasUsed,
		&amount, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.TxRecord{}, err
	}
	r.Owner = common.HexToAddress(owner)
	r.GasLimit = uint64(gasLimit)
	r.GasUsed = uint64(gasUsed)
	r.Amount = parse(amount)
	r.Status = model.TxStatus(status)
	return r, nil
}

func (s *PostgresStore) GetTxRecord(ctx context.Context, id string) (*model.TxRecord, error) {
	r, err := scanTxRecord(s.pool.QueryRow(ctx,
		`SELECT id, owner, kind, hash, gas_limit, gas_used, amount::TEXT, status, created_at, updated_at
		 FROM tx_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get tx record "+id)
	}
	return &r, nil
}

func (s *PostgresStore) ListTxRecordsByOwner(ctx context.Context, owner common.Address) ([]model.TxRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, kind, hash, gas_limit, gas_used, amount::TEXT, status, created_at, updated_at
		 FROM tx_records WHERE owner = $1 ORDER BY created_at`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TxRecord
	for rows.Next() {
		r, err := scanTxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/netting"
	"github.com/atmx/perp-engine/internal/product"
)

// Schema creates the tables used by PostgresStore. Ledger amounts are
// NUMERIC for exact decimal precision; ledger state documents are JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_documents (
	name       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS pools (
	product    SMALLINT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS vaults (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	account      TEXT NOT NULL,
	owner        TEXT NOT NULL,
	product      SMALLINT NOT NULL,
	sub_vault    INTEGER NOT NULL,
	size         NUMERIC NOT NULL,
	price        NUMERIC NOT NULL,
	amount       NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	fee          NUMERIC NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account, timestamp);
CREATE INDEX IF NOT EXISTS ledger_entries_owner_idx ON ledger_entries (owner, timestamp);
`

const (
	docMarket  = "market"
	docNetting = "netting"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Commit writes the change set in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *model.ChangeSet) error {
	batch := &pgx.Batch{}

	if cs.Market != nil {
		if err := queueDocument(batch, docMarket, cs.Market); err != nil {
			return err
		}
	}
	if cs.Netting != nil {
		if err := queueDocument(batch, docNetting, cs.Netting); err != nil {
			return err
		}
	}
	for _, p := range cs.Pools {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal pool %s: %w", p.Product, err)
		}
		batch.Queue(
			`INSERT INTO pools (product, state, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (product) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
			int(p.Product), data,
		)
	}
	for _, v := range cs.Vaults {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal vault %s: %w", v.ID, err)
		}
		batch.Queue(
			`INSERT INTO vaults (id, owner, state, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
			v.ID, v.Owner, data,
		)
	}
	for _, e := range cs.Entries {
		batch.Queue(
			`INSERT INTO ledger_entries (id, kind, account, owner, product, sub_vault, size, price, amount, realized_pnl, fee, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
			e.ID, string(e.Kind), e.Account, e.Owner, int(e.Product), e.SubVault,
			e.Size.String(), e.Price.String(), e.Amount.String(), e.RealizedPnL.String(), e.Fee.String(),
			e.Timestamp,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("commit statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func queueDocument(batch *pgx.Batch, name string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	batch.Queue(
		`INSERT INTO engine_documents (name, doc, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		name, data,
	)
	return nil
}

func (s *PostgresStore) LoadState(ctx context.Context) (*model.State, error) {
	state := &model.State{Vaults: make(map[string]*margin.Vault)}

	var marketDoc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM engine_documents WHERE name = $1`, docMarket).Scan(&marketDoc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	if err := json.Unmarshal(marketDoc, &state.Market); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}

	var nettingDoc []byte
	err = s.pool.QueryRow(ctx, `SELECT doc FROM engine_documents WHERE name = $1`, docNetting).Scan(&nettingDoc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		state.Netting = netting.NewState()
	case err != nil:
		return nil, fmt.Errorf("load netting: %w", err)
	default:
		state.Netting = new(netting.State)
		if err := json.Unmarshal(nettingDoc, state.Netting); err != nil {
			return nil, fmt.Errorf("decode netting: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT product, state FROM pools`)
	if err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	for rows.Next() {
		var id int
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, err
		}
		if !product.ID(id).Valid() {
			rows.Close()
			return nil, fmt.Errorf("load pools: unknown product %d", id)
		}
		p := new(liquidity.Pool)
		if err := json.Unmarshal(data, p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode pool %d: %w", id, err)
		}
		state.Pools[id] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT state FROM vaults`)
	if err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(margin.Vault)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode vault: %w", err)
		}
		state.Vaults[v.ID] = v
	}
	return state, rows.Err()
}

func (s *PostgresStore) GetVault(ctx context.Context, id string) (*margin.Vault, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM vaults WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get vault %s: %w", id, err)
	}
	v := new(margin.Vault)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode vault %s: %w", id, err)
	}
	return v, nil
}

const ledgerColumns = `id, kind, account, owner, product, sub_vault,
	size::TEXT, price::TEXT, amount::TEXT, realized_pnl::TEXT, fee::TEXT, timestamp`

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE owner = $1 ORDER BY timestamp`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		var id int
		var sizeS, priceS, amountS, pnlS, feeS string

		if err := rows.Scan(&e.ID, &kind, &e.Account, &e.Owner, &id, &e.SubVault,
			&sizeS, &priceS, &amountS, &pnlS, &feeS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EntryKind(kind)
		e.Product = product.ID(id)
		e.Size, _ = decimal.NewFromString(sizeS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.RealizedPnL, _ = decimal.NewFromString(pnlS)
		e.Fee, _ = decimal.NewFromString(feeS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

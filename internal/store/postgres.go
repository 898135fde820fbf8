package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	collection_id TEXT NOT NULL,
	serial_number TEXT NOT NULL,
	memo TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	asset_type TEXT NOT NULL DEFAULT '',
	vintage_year BIGINT NOT NULL DEFAULT 0,
	country TEXT NOT NULL DEFAULT '',
	subdivision TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	guardian_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ DEFAULT NOW(),
	PRIMARY KEY (collection_id, serial_number)
);
CREATE TABLE IF NOT EXISTS asset_transactions (
	seq BIGSERIAL PRIMARY KEY,
	collection_id TEXT NOT NULL,
	serial_number TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	tx_time TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	list_price BIGINT,
	purchase_price BIGINT,
	UNIQUE (collection_id, serial_number, transaction_id),
	FOREIGN KEY (collection_id, serial_number) REFERENCES assets (collection_id, serial_number)
);
CREATE TABLE IF NOT EXISTS discovery_cursors (
	source TEXT PRIMARY KEY,
	watermark TEXT NOT NULL,
	updated_at TIMESTAMPTZ DEFAULT NOW()
)`

// Postgres stores assets and cursors in Postgres.
// Create is a conditional insert (ON CONFLICT DO NOTHING) and merges lock
// the asset row, so concurrent writers for one identity cannot lose updates.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and ensures the schema exists.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Ping checks connectivity for the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) FindByIdentity(ctx context.Context, id asset.Identity) (*asset.Asset, error) {
	a, err := loadAsset(ctx, p.pool, id, false)
	if err != nil {
		return nil, transient("find "+id.String(), err)
	}
	return a, nil
}

func (p *Postgres) Create(ctx context.Context, a *asset.Asset) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		m := a.Metadata
		tag, err := tx.Exec(ctx,
			`INSERT INTO assets (collection_id, serial_number, memo, category, asset_type,
				vintage_year, country, subdivision, device_id, guardian_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (collection_id, serial_number) DO NOTHING`,
			a.Identity.CollectionID, a.Identity.SerialNumber, a.Memo, m.Category, m.Type,
			m.VintageYear, m.Country, m.Subdivision, m.DeviceID, m.GuardianID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("create %s: %w", a.Identity, asset.ErrAlreadyExists)
		}
		return insertTransactions(ctx, tx, a.Identity, a.Transactions)
	})
	if errors.Is(err, asset.ErrAlreadyExists) {
		return err
	}
	return transient("create "+a.Identity.String(), err)
}

func (p *Postgres) MergeTransactions(ctx context.Context, id asset.Identity, txs []asset.Transaction) (*asset.Asset, error) {
	var merged *asset.Asset
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		a, err := loadAsset(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("merge %s: %w", id, asset.ErrNotFound)
		}
		if err := insertTransactions(ctx, tx, id, txs); err != nil {
			return err
		}
		merged, err = loadAsset(ctx, tx, id, false)
		return err
	})
	if errors.Is(err, asset.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, transient("merge "+id.String(), err)
	}
	return merged, nil
}

func (p *Postgres) LoadCursor(ctx context.Context, source string) (asset.Timestamp, bool, error) {
	var raw string
	err := p.pool.QueryRow(ctx, `SELECT watermark FROM discovery_cursors WHERE source = $1`, source).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return asset.Timestamp{}, false, nil
	}
	if err != nil {
		return asset.Timestamp{}, false, transient("load cursor "+source, err)
	}
	ts, err := asset.ParseTimestamp(raw)
	if err != nil {
		return asset.Timestamp{}, false, err
	}
	return ts, true, nil
}

func (p *Postgres) SaveCursor(ctx context.Context, source string, ts asset.Timestamp) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO discovery_cursors (source, watermark) VALUES ($1, $2)
		 ON CONFLICT (source) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = NOW()`,
		source, ts.String(),
	)
	return transient("save cursor "+source, err)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadAsset(ctx context.Context, q querier, id asset.Identity, forUpdate bool) (*asset.Asset, error) {
	sql := `SELECT memo, category, asset_type, vintage_year, country, subdivision, device_id, guardian_id
		FROM assets WHERE collection_id = $1 AND serial_number = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	a := &asset.Asset{Identity: id}
	m := &a.Metadata
	err := q.QueryRow(ctx, sql, id.CollectionID, id.SerialNumber).Scan(
		&a.Memo, &m.Category, &m.Type, &m.VintageYear, &m.Country, &m.Subdivision, &m.DeviceID, &m.GuardianID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT transaction_id, kind, tx_time, owner, list_price, purchase_price
		 FROM asset_transactions WHERE collection_id = $1 AND serial_number = $2 ORDER BY seq`,
		id.CollectionID, id.SerialNumber,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tx asset.Transaction
		var kind string
		if err := rows.Scan(&tx.TransactionID, &kind, &tx.Timestamp, &tx.Owner, &tx.ListPrice, &tx.PurchasePrice); err != nil {
			return nil, err
		}
		tx.Kind = asset.Kind(kind)
		a.AddTransaction(tx)
	}
	return a, rows.Err()
}

func insertTransactions(ctx context.Context, tx pgx.Tx, id asset.Identity, txs []asset.Transaction) error {
	for _, t := range txs {
		_, err := tx.Exec(ctx,
			`INSERT INTO asset_transactions (collection_id, serial_number, transaction_id, kind, tx_time, owner, list_price, purchase_price)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (collection_id, serial_number, transaction_id) DO NOTHING`,
			id.CollectionID, id.SerialNumber, t.TransactionID, string(t.Kind), t.Timestamp, t.Owner, t.ListPrice, t.PurchasePrice,
		)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.TransactionID, err)
		}
	}
	return nil
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, asset.ErrTransientIO, err)
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS saga_history (
	saga_id TEXT NOT NULL REFERENCES sagas (id),
	seq     INTEGER NOT NULL,
	state   TEXT NOT NULL,
	data    JSONB NOT NULL,
	at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (saga_id, seq)
);`

// PostgresSagaStore upserts the snapshot and appends new history rows in a
// single batch.
type PostgresSagaStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresSagaStore(pool *pgxpool.Pool) *PostgresSagaStore {
	return &PostgresSagaStore{Pool: pool}
}

func (p *PostgresSagaStore) Migrate(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, postgresSchema)
	return err
}

func (p *PostgresSagaStore) Save(ctx context.Context, snap *saga.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", snap.ID, err)
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO sagas (id, state, snapshot, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		snap.ID, string(snap.State), data, snap.UpdatedAt,
	)
	for i, e := range snap.History {
		entry, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode history entry %d of saga %s: %w", i, snap.ID, err)
		}
		batch.Queue(
			`INSERT INTO saga_history (saga_id, seq, state, data, at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (saga_id, seq) DO NOTHING`,
			snap.ID, i, string(e.State), entry, e.At,
		)
	}

	br := p.Pool.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("save saga %s: %s (%s)", snap.ID, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("save saga %s: %w", snap.ID, err)
	}
	return nil
}

func (p *PostgresSagaStore) Get(ctx context.Context, id string) (*saga.Snapshot, error) {
	var data []byte
	err := p.Pool.QueryRow(ctx, `SELECT snapshot FROM sagas WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return decodeSnapshot(data)
}

// History reads the audit rows of a saga in order.
func (p *PostgresSagaStore) History(ctx context.Context, id string) ([]saga.Entry, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT state, data, at FROM saga_history WHERE saga_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Entry
	for rows.Next() {
		var (
			e     saga.Entry
			state string
			data  []byte
		)
		if err := rows.Scan(&state, &data, &e.At); err != nil {
			return nil, err
		}
		e.State = saga.State(state)
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

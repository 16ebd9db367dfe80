package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSagaStore is the single-node durable store.
type SQLiteSagaStore struct {
	db *sql.DB
}

func NewSQLiteSagaStore(path string) (*SQLiteSagaStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSagaStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteSagaStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sagas (
			id         TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			snapshot   BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS saga_history (
			saga_id TEXT NOT NULL REFERENCES sagas (id),
			seq     INTEGER NOT NULL,
			state   TEXT NOT NULL,
			data    TEXT NOT NULL,
			at      TEXT NOT NULL,
			PRIMARY KEY (saga_id, seq)
		);
	`)
	return err
}

func (s *SQLiteSagaStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSagaStore) Save(ctx context.Context, snap *saga.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", snap.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sagas (id, state, snapshot, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.ID, string(snap.State), data, snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save saga %s: %w", snap.ID, err)
	}

	for i, e := range snap.History {
		entry, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode history entry %d of saga %s: %w", i, snap.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO saga_history (saga_id, seq, state, data, at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (saga_id, seq) DO NOTHING`,
			snap.ID, i, string(e.State), string(entry), e.At.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("save history of saga %s: %w", snap.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSagaStore) Get(ctx context.Context, id string) (*saga.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sagas WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return decodeSnapshot(data)
}

func (s *SQLiteSagaStore) History(ctx context.Context, id string) ([]saga.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, data, at FROM saga_history WHERE saga_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Entry
	for rows.Next() {
		var state, data, at string
		if err := rows.Scan(&state, &data, &at); err != nil {
			return nil, err
		}
		e := saga.Entry{State: saga.State(state)}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

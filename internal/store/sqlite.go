package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one JSON-encoded state row per agent.
type SQLiteStore struct {
	guard
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &SQLiteStore{guard: newGuard(), db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS model_state (
		agent_id   TEXT PRIMARY KEY,
		state      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*ModelState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM model_state WHERE agent_id = ?`, agentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model state: %w", err)
	}
	var state ModelState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode model state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) Save(ctx context.Context, agentID string, state *ModelState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO model_state (agent_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		agentID, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert model state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, agentID string, fn func(*ModelState)) error {
	return s.run(ctx, s, agentID, fn)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

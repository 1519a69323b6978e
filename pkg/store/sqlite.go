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

	"github.com/harun/banca/pkg/roster"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		active_agent TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);

	CREATE TABLE IF NOT EXISTS userdata (
		id TEXT PRIMARY KEY,
		active_agent TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
`

// SQLiteStore keeps checkpoints in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM checkpoints WHERE thread_id = ?", threadID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepareSave(cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, data, active_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			data = excluded.data,
			active_agent = excluded.active_agent,
			updated_at = excluded.updated_at`,
		cp.ThreadID, string(data), string(cp.ActiveAgent), cp.CreatedAt.UnixNano(), cp.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM userdata WHERE id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete userdata: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM userdata WHERE id IN (SELECT thread_id FROM checkpoints WHERE updated_at < ?)",
		cutoff.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("failed to prune userdata: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE updated_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return roster.Unknown, err
	}

	var agent string
	err := s.db.QueryRowContext(ctx, "SELECT active_agent FROM userdata WHERE id = ?", threadID).Scan(&agent)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.Unknown, nil
	}
	if err != nil {
		return roster.Unknown, fmt.Errorf("failed to query active agent: %w", err)
	}
	return normalizeAgent(agent), nil
}

func (s *SQLiteStore) SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := validateAgent(agent); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO userdata (id, active_agent, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active_agent = excluded.active_agent, updated_at = excluded.updated_at`,
		threadID, string(agent), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to set active agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

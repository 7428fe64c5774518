package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteQueue struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS actions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	url         TEXT NOT NULL,
	method      TEXT NOT NULL,
	headers     TEXT NOT NULL DEFAULT '{}',
	body        BLOB,
	enqueued_at INTEGER NOT NULL
);`

// OpenSQLite opens a SQLite-backed Queue at path, creating the schema when
// missing. Insertion order is preserved by the autoincrement sequence.
func OpenSQLite(path string) (Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue: sqlite path required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}
	return &sqliteQueue{db: db}, nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, action Action) error {
	headers, err := json.Marshal(action.Headers)
	if err != nil {
		return fmt.Errorf("queue: marshal headers: %w", err)
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = time.Now().UTC()
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO actions (id, url, method, headers, body, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		action.ID, action.URL, action.Method, string(headers), action.Body, action.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("queue: insert action: %w", err)
	}
	return nil
}

func (q *sqliteQueue) List(ctx context.Context) ([]Action, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, url, method, headers, body, enqueued_at FROM actions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("queue: list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []Action
	for rows.Next() {
		var (
			action     Action
			headers    string
			enqueuedAt int64
		)
		if err := rows.Scan(&action.ID, &action.URL, &action.Method, &headers, &action.Body, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("queue: scan action: %w", err)
		}
		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &action.Headers); err != nil {
				return nil, fmt.Errorf("queue: unmarshal headers: %w", err)
			}
		}
		action.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate actions: %w", err)
	}
	return actions, nil
}

func (q *sqliteQueue) Remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: remove action: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM actions`); err != nil {
		return fmt.Errorf("queue: clear actions: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue: count actions: %w", err)
	}
	return count, nil
}

func (q *sqliteQueue) Close(context.Context) error {
	return q.db.Close()
}

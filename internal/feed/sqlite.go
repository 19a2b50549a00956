package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS feed_items (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  counter INTEGER NOT NULL,      -- per user, starts at 1
  body TEXT NOT NULL,            -- JSON Body
  repeat_key TEXT,
  created_at INTEGER NOT NULL,   -- unix ms
  UNIQUE (user_id, counter)
);
`

// SQLiteStore keeps the feed in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the feed database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open feed database: %w", err)
	}
	// one writer keeps counter assignment serialized
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("feed database ping failed: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("feed schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, userID string, body Body, repeatKey *string) (Item, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Item{}, fmt.Errorf("encode feed body: %w", err)
	}
	it := Item{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Body:      body,
		RepeatKey: repeatKey,
		CreatedAt: s.now().UnixMilli(),
	}

	var rk sql.NullString
	if repeatKey != nil {
		rk = sql.NullString{String: *repeatKey, Valid: true}
	}
	// counter assignment and insert are one statement
	row := s.db.QueryRowContext(ctx, `
INSERT INTO feed_items (id, user_id, counter, body, repeat_key, created_at)
SELECT ?, ?, COALESCE(MAX(counter), 0) + 1, ?, ?, ? FROM feed_items WHERE user_id = ?
RETURNING counter`,
		it.ID, userID, string(data), rk, it.CreatedAt, userID)
	if err := row.Scan(&it.Counter); err != nil {
		return Item{}, fmt.Errorf("insert feed item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string, dir Direction, bound int64, n int) ([]Item, error) {
	var (
		query string
		args  []any
	)
	const cols = "SELECT id, user_id, counter, body, repeat_key, created_at FROM feed_items"
	switch dir {
	case After:
		query = cols + " WHERE user_id = ? AND counter > ? ORDER BY counter ASC LIMIT ?"
		args = []any{userID, bound, n}
	case Before:
		query = cols + " WHERE user_id = ? AND counter < ? ORDER BY counter DESC LIMIT ?"
		args = []any{userID, bound, n}
	default:
		query = cols + " WHERE user_id = ? ORDER BY counter DESC LIMIT ?"
		args = []any{userID, n}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0, n)
	for rows.Next() {
		var (
			it   Item
			body string
			rk   sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.UserID, &it.Counter, &body, &rk, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &it.Body); err != nil {
			return nil, fmt.Errorf("decode feed body %s: %w", it.ID, err)
		}
		if rk.Valid {
			v := rk.String
			it.RepeatKey = &v
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return items, nil
}

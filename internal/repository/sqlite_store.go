package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"narrator-backend/internal/chat"
	"narrator-backend/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	parent_id   TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	done        INTEGER NOT NULL DEFAULT 0,
	hidden      INTEGER NOT NULL DEFAULT 0,
	model       TEXT NOT NULL DEFAULT '',
	temperature REAL NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, id);
`

var _ chat.Store = (*SQLiteStore)(nil)

// SQLiteStore is a single-file chat store for the terminal client.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveChat(ctx context.Context, c models.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, title = excluded.title, updated_at = excluded.updated_at`,
		c.ID, c.OwnerID, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, m models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE chats SET updated_at = MAX(updated_at, ?) WHERE id = ?",
		formatTime(m.UpdatedAt), m.ChatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrChatNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, parent_id, role, content, done, hidden, model, temperature, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			done = excluded.done,
			hidden = excluded.hidden,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		m.ID, m.ChatID, m.ParentID, m.Role, m.Content, m.Done, m.Hidden,
		m.Model, m.Temperature, m.Error, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadChat(ctx context.Context, id string) (models.Chat, []models.Message, error) {
	var c models.Chat
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, title, created_at, updated_at FROM chats WHERE id = ?", id,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, nil, chat.ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, nil, err
	}
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, parent_id, role, content, done, hidden, model, temperature, error, created_at, updated_at
		FROM messages WHERE chat_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return models.Chat{}, nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID, &m.ChatID, &m.ParentID, &m.Role, &m.Content, &m.Done, &m.Hidden,
			&m.Model, &m.Temperature, &m.Error, &created, &updated,
		); err != nil {
			return models.Chat{}, nil, err
		}
		m.CreatedAt, m.UpdatedAt = parseTime(created), parseTime(updated)
		msgs = append(msgs, m)
	}

	return c, msgs, rows.Err()
}

// ListChats returns all chats, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		var created, updated string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// timeLayout is fixed width so stored timestamps compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

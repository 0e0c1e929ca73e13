package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"narrator-backend/internal/chat"
	"narrator-backend/internal/models"
)

var _ chat.Store = (*ChatRepo)(nil)

// ChatRepo stores chats and their messages in PostgreSQL.
type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

func (r *ChatRepo) SaveChat(ctx context.Context, c models.Chat) error {
	query := `INSERT INTO chats (id, owner_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			title = EXCLUDED.title,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query, c.ID, c.OwnerID, c.Title, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *ChatRepo) SaveMessage(ctx context.Context, m models.Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO messages (id, chat_id, parent_id, role, content, done, hidden, model, temperature, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			done = EXCLUDED.done,
			hidden = EXCLUDED.hidden,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`

	_, err = tx.Exec(ctx, query,
		m.ID, m.ChatID, m.ParentID, m.Role, m.Content, m.Done, m.Hidden,
		m.Model, m.Temperature, m.Error, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		"UPDATE chats SET updated_at = GREATEST(updated_at, $1) WHERE id = $2",
		m.UpdatedAt, m.ChatID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrChatNotFound
	}

	return tx.Commit(ctx)
}

func (r *ChatRepo) LoadChat(ctx context.Context, id string) (models.Chat, []models.Message, error) {
	var c models.Chat
	err := r.pool.QueryRow(ctx,
		"SELECT id, owner_id, title, created_at, updated_at FROM chats WHERE id = $1", id,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chat{}, nil, chat.ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_id, parent_id, role, content, done, hidden, model, temperature, error, created_at, updated_at
		FROM messages WHERE chat_id = $1 ORDER BY id`, id,
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
			&m.Model, &m.Temperature, &m.Error, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return models.Chat{}, nil, err
		}
		msgs = append(msgs, m)
	}

	return c, msgs, rows.Err()
}

// ListByOwner returns the owner's chats, most recently updated first.
func (r *ChatRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Chat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM chats
		WHERE owner_id = $1 ORDER BY updated_at DESC LIMIT $2`, ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

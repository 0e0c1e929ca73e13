package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncRepo keeps the sync updates of authenticated users.
type SyncRepo struct {
	pool *pgxpool.Pool
}

func NewSyncRepo(pool *pgxpool.Pool) *SyncRepo {
	return &SyncRepo{pool: pool}
}

func (r *SyncRepo) AppendSync(ctx context.Context, userID, chatID string, payload []byte) error {
	_, err := r.pool.Exec(ctx,
		"INSERT INTO sync_updates (user_id, chat_id, payload) VALUES ($1, $2, $3)",
		userID, chatID, payload,
	)
	return err
}

package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"narrator-backend/internal/models"
)

// Notifier pushes a message to the clients of a session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, msg models.WSMessage) error
}

// NewNotifier publishes through Redis when client is set so any instance can
// deliver, and hands messages to hub directly otherwise.
func NewNotifier(client *redis.Client, hub *Hub) Notifier {
	if client == nil {
		return NewLocalNotifier(hub)
	}
	return NewRedisPublisher(client)
}

// RedisPublisher publishes session messages for whichever instance holds the
// session's WebSocket connections.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Notify(ctx context.Context, sessionID string, msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return p.client.Publish(ctx, channelName(sessionID), data).Err()
}

// LocalNotifier delivers straight to a hub in the same process.
type LocalNotifier struct {
	hub *Hub
}

func NewLocalNotifier(hub *Hub) *LocalNotifier {
	return &LocalNotifier{hub: hub}
}

func (n *LocalNotifier) Notify(ctx context.Context, sessionID string, msg models.WSMessage) error {
	n.hub.SendToSession(sessionID, msg)
	return nil
}

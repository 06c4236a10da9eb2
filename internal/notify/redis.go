// Package notify optionally mirrors match/game-over events onto a Redis
// pub/sub channel for a companion operator process, grounded on the
// teacher's match.Service pub/sub queue and ws.NotificationWorker. It is
// entirely optional: the broker's correctness never depends on a
// subscriber being present, or even on Redis being configured at all.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel imcsd publishes events to.
const Channel = "imcs:events"

// Publisher fans out a broker event. Implementations must not block the
// caller for long; the broker treats every publish as best-effort.
type Publisher interface {
	Publish(event string, payload map[string]any)
}

// Noop discards every event; it is the default when no Redis address is
// configured.
type Noop struct{}

func (Noop) Publish(string, map[string]any) {}

// RedisPublisher publishes JSON-encoded events to Channel.
type RedisPublisher struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisPublisher connects to addr like the teacher's
// pkg/redis.NewRedisClient, then pings it so a bad address fails at boot.
func NewRedisPublisher(addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, ctx: ctx}, nil
}

func (p *RedisPublisher) Publish(event string, payload map[string]any) {
	msg := map[string]any{"type": event}
	for k, v := range payload {
		msg[k] = v
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.client.Publish(p.ctx, Channel, body)
}

// Close releases the underlying Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

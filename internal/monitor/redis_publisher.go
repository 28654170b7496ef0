package monitor

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher adapts a *redis.Client to the Publisher seam, the status
// fan-out mechanism from SPEC_FULL.md section 1.2.
type RedisPublisher struct {
	Client *redis.Client
}

func (p RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.Client.Publish(ctx, channel, payload).Err()
}

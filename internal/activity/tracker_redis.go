package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"janus/pkg/requestcontext"
)

const activityTTL = 30 * 24 * time.Hour

// RedisTracker keeps per-session last-active markers in redis hashes. A
// periodic job (out of scope here) folds them back into the session rows.
type RedisTracker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisTracker constructs a redis-backed tracker.
func NewRedisTracker(client *redis.Client, logger *slog.Logger) *RedisTracker {
	return &RedisTracker{client: client, logger: logger}
}

func (t *RedisTracker) RecordBrowserSession(ctx context.Context, sessionID uuid.UUID, ip string) {
	key := fmt.Sprintf("activity:browser-session:%s", sessionID)
	now := requestcontext.Now(ctx)

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, key, "last_active_at", now.Unix(), "last_active_ip", ip)
	pipe.Expire(ctx, key, activityTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// Activity is best-effort; the login proceeds regardless.
		t.logger.Warn("record session activity failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()))
	}
}

//go:build integration

package activity_test

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"janus/internal/activity"
	"janus/pkg/requestcontext"
	"janus/pkg/testutil/containers"
)

func TestRedisTrackerRecordsActivity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	redis := containers.NewRedisContainer(t)
	tracker := activity.NewRedisTracker(redis.Client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)
	sessionID := uuid.New()

	tracker.RecordBrowserSession(ctx, sessionID, "203.0.113.7")

	key := "activity:browser-session:" + sessionID.String()
	fields, err := redis.Client.HGetAll(ctx, key).Result()
	require.NoError(t, err)
	require.Equal(t, strconv.FormatInt(now.Unix(), 10), fields["last_active_at"])
	require.Equal(t, "203.0.113.7", fields["last_active_ip"])

	ttl, err := redis.Client.TTL(ctx, key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Hour)
}

package events

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mikuai/internal/config"
	"mikuai/internal/redis"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed event tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := redis.NewRedisClient(context.Background(), config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	pub := NewRedisPublisher(client, "mikuai:test:"+strconv.FormatInt(time.Now().UnixNano(), 10), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	go func() { _ = pub.Run(ctx) }()

	pub.OnBusy(42)
	ev := <-events
	assert.Equal(t, TypeBusy, ev.Type)
	assert.Equal(t, int64(42), ev.SessionID)

	since, busy, err := client.BusySince(ctx, 42)
	require.NoError(t, err)
	assert.True(t, busy)
	assert.WithinDuration(t, ev.Time, since, time.Millisecond)

	pub.OnAssistantMessage(42, "hello")
	ev = <-events
	assert.Equal(t, "hello", ev.Text)

	pub.OnIdle(42)
	ev = <-events
	assert.Equal(t, TypeIdle, ev.Type)
	_, busy, err = client.BusySince(ctx, 42)
	require.NoError(t, err)
	assert.False(t, busy)
}

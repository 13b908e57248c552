// Package redis holds the Redis connection used to mirror session activity
// to other processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mikuai/internal/config"
)

const (
	defaultAddr   = "127.0.0.1:6379"
	busyKeyPrefix = "mikuai:busy:"
	dialTimeout   = 3 * time.Second
)

var errClosed = errors.New("redis: client not connected")

type Client struct {
	rdb *goredis.Client
}

// NewRedisClient connects with the redis section of the config and verifies
// the connection with a PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	addr := defaultAddr
	if cfg.Host != "" {
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if c == nil || c.rdb == nil {
		return errClosed
	}
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers payloads published on channel until ctx is done. The
// returned channel is closed when the subscription ends.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	if c == nil || c.rdb == nil {
		return nil, errClosed
	}
	sub := c.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MarkBusy records that sessionID has been awaiting a reply since the given
// time. The marker expires after ttl in case the idle notification is lost.
func (c *Client) MarkBusy(ctx context.Context, sessionID int64, since time.Time, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return errClosed
	}
	return c.rdb.Set(ctx, busyKey(sessionID), since.UTC().Format(time.RFC3339Nano), ttl).Err()
}

func (c *Client) ClearBusy(ctx context.Context, sessionID int64) error {
	if c == nil || c.rdb == nil {
		return errClosed
	}
	return c.rdb.Del(ctx, busyKey(sessionID)).Err()
}

// BusySince returns when sessionID was marked busy. ok is false when no
// marker exists.
func (c *Client) BusySince(ctx context.Context, sessionID int64) (since time.Time, ok bool, err error) {
	if c == nil || c.rdb == nil {
		return time.Time{}, false, errClosed
	}
	val, err := c.rdb.Get(ctx, busyKey(sessionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	since, err = time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("parse busy marker: %w", err)
	}
	return since, true, nil
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func busyKey(sessionID int64) string {
	return busyKeyPrefix + strconv.FormatInt(sessionID, 10)
}

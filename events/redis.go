package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel   = "ultibot:events"
	DefaultRecentKey = "ultibot:events:recent"
	DefaultRecentMax = 500
)

// NewRedisClient creates a new Redis client with connection pooling
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return rdb, nil
}

// RedisPublisher PUBLISHes each event and keeps a capped list of recent
// ones so late-joining dashboards can backfill.
type RedisPublisher struct {
	rdb       *redis.Client
	channel   string
	recentKey string
	recentMax int64
}

func NewRedisPublisher(rdb *redis.Client, channel string, recentMax int) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if recentMax <= 0 {
		recentMax = DefaultRecentMax
	}
	return &RedisPublisher{rdb: rdb, channel: channel, recentKey: channel + ":recent", recentMax: int64(recentMax)}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.LPush(ctx, p.recentKey, payload)
	pipe.LTrim(ctx, p.recentKey, 0, p.recentMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Type, err)
	}
	return nil
}

// Recent returns up to n of the newest events, newest first
func (p *RedisPublisher) Recent(ctx context.Context, n int64) ([]string, error) {
	return p.rdb.LRange(ctx, p.recentKey, 0, n-1).Result()
}

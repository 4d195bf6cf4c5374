// Package inbox keeps unread notification counters per user and category.
// cmd/consumer increments them from the event log; the API reads and clears them.
package inbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-share/internal/models"
)

type hashClient interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisInbox stores counters in the hash "inbox:<user id>", one field per category.
type RedisInbox struct {
	client hashClient
	close  func() error
}

func NewRedisInbox(addr, password string) *RedisInbox {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisInbox{client: c, close: c.Close}
}

func inboxKey(userID string) string { return "inbox:" + userID }

func (r *RedisInbox) Incr(ctx context.Context, userID string, c models.Category) error {
	if err := r.client.HIncrBy(ctx, inboxKey(userID), string(c), 1).Err(); err != nil {
		return fmt.Errorf("inbox incr: %w", err)
	}
	return nil
}

// Counts returns every category's counter, zero when unset.
func (r *RedisInbox) Counts(ctx context.Context, userID string) (map[models.Category]int64, error) {
	raw, err := r.client.HGetAll(ctx, inboxKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("inbox read: %w", err)
	}
	out := make(map[models.Category]int64, len(models.Categories))
	for _, c := range models.Categories {
		out[c] = 0
		if v, ok := raw[string(c)]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("inbox read %s: %w", c, err)
			}
			out[c] = n
		}
	}
	return out, nil
}

// Reset clears one category, or all of them when c is empty.
func (r *RedisInbox) Reset(ctx context.Context, userID string, c models.Category) error {
	var err error
	if c == "" {
		err = r.client.Del(ctx, inboxKey(userID)).Err()
	} else {
		err = r.client.HDel(ctx, inboxKey(userID), string(c)).Err()
	}
	if err != nil {
		return fmt.Errorf("inbox reset: %w", err)
	}
	return nil
}

func (r *RedisInbox) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisInbox) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

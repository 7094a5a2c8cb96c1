package blocklist

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Blocklist shared by every instance through Redis keys with a TTL. The value is
// the revocation time in Unix nanoseconds.
type Redis struct {
	c *redis.Client
}

// NewRedis returns a Redis-backed blocklist.
func NewRedis(c *redis.Client) *Redis {
	return &Redis{c: c}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (r *Redis) Block(ctx context.Context, kind Kind, id string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.c.Set(ctx, key(kind, id), strconv.FormatInt(at.UnixNano(), 10), ttl).Err()
}

func (r *Redis) BlockedAt(ctx context.Context, kind Kind, id string) (time.Time, bool, error) {
	v, err := r.c.Get(ctx, key(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns).UTC(), true, nil
}

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brighthome/dispatch/errors"
)

// Redis is the distributed backend over go-redis.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis backend for the given address ("host:port").
// The connection is verified by the caller via Ping; see Connect.
func NewRedis(addr, password string, dbNum int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbNum,
	})
	return &Redis{client: client}
}

// Get returns the value for key, reporting whether it exists.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis get %s", key)
	}
	return value, true, nil
}

// Set stores value under key. A ttl of zero means no expiry.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

// HGet returns one hash field.
func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	value, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis hget %s.%s", key, field)
	}
	return value, true, nil
}

// HSet sets the given hash fields.
func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for f, v := range fields {
		args[f] = v
	}
	if err := r.client.HSet(ctx, key, args).Err(); err != nil {
		return errors.Wrapf(err, "redis hset %s", key)
	}
	return nil
}

// HIncrBy adds delta to an integer hash field and returns the new value.
func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	value, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "redis hincrby %s.%s", key, field)
	}
	return value, nil
}

// HGetAll returns the full hash at key.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis hgetall %s", key)
	}
	return fields, nil
}

// ZAdd adds members to the sorted set at key.
func (r *Redis) ZAdd(ctx context.Context, key string, members ...Member) error {
	zs := make([]redis.Z, 0, len(members))
	for _, member := range members {
		zs = append(zs, redis.Z{Score: member.Score, Member: member.Value})
	}
	if err := r.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return errors.Wrapf(err, "redis zadd %s", key)
	}
	return nil
}

// ZRange returns members ordered by ascending score.
func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := r.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis zrange %s", key)
	}
	return values, nil
}

// Expire bounds the lifetime of key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis expire %s", key)
	}
	return nil
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Connect returns a Redis-backed cache when the server at addr answers a
// ping within two seconds, otherwise the in-process fallback. The fallback
// keeps single-node deployments and tests working without Redis.
func Connect(ctx context.Context, addr, password string, dbNum int, log *zap.SugaredLogger) Cache {
	if addr != "" {
		r := NewRedis(addr, password, dbNum)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err == nil {
			if log != nil {
				log.Infow("Connected to Redis", "addr", addr)
			}
			return r
		} else {
			r.Close()
			if log != nil {
				log.Warnw("Redis unreachable, using in-memory cache",
					"addr", addr,
					"error", err)
			}
		}
	} else if log != nil {
		log.Infow("No Redis address configured, using in-memory cache")
	}
	return NewMemory()
}

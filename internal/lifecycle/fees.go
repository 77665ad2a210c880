package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// DefaultCancellationFee applies when no fee is configured externally.
const DefaultCancellationFee int64 = 2000

// FeeSource supplies the client cancellation fee. It is consulted on every cancellation.
type FeeSource interface {
	CancellationFee(ctx context.Context) (int64, error)
}

type StaticFee int64

func (f StaticFee) CancellationFee(context.Context) (int64, error) { return int64(f), nil }

// StringGetter is the redis GET the fee lookup needs; *redis.Client satisfies it via
// RedisGetter.
type StringGetter interface {
	Get(ctx context.Context, key string) (string, error)
}

type redisGetter struct{ c *redis.Client }

func RedisGetter(c *redis.Client) StringGetter { return redisGetter{c: c} }

func (r redisGetter) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

// RedisFee reads the fee from a redis key so operators can change it without a deploy.
// A missing key, an unparsable value or an unreachable redis yields Default.
type RedisFee struct {
	Client  StringGetter
	Key     string
	Default int64
	Log     *zap.Logger
}

func (f *RedisFee) CancellationFee(ctx context.Context) (int64, error) {
	v, err := f.Client.Get(ctx, f.Key)
	if errors.Is(err, redis.Nil) {
		return f.Default, nil
	}
	if err != nil {
		f.logger().Warn("cancellation fee lookup failed, using default", zap.String("key", f.Key), zap.Error(err))
		return f.Default, nil
	}
	fee, err := cast.ToInt64E(strings.TrimSpace(v))
	if err != nil || fee < 0 {
		f.logger().Warn("cancellation fee value invalid, using default", zap.String("key", f.Key), zap.String("value", v))
		return f.Default, nil
	}
	return fee, nil
}

func (f *RedisFee) logger() *zap.Logger {
	if f.Log == nil {
		return zap.NewNop()
	}
	return f.Log
}

package directory

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/example/service-dispatch/internal/models"
)

// RedisCmds is the subset of redis operations presence needs; *redis.Client satisfies it
// through NewRedisCmds so tests can substitute a fake.
type RedisCmds interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGet(ctx context.Context, key, field string) (string, error)
}

type redisAdapter struct{ c *redis.Client }

func NewRedisCmds(c *redis.Client) RedisCmds { return &redisAdapter{c: c} }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) HGet(ctx context.Context, key, field string) (string, error) {
	return r.c.HGet(ctx, key, field).Result()
}

// RedisPresence stores the online flag in a per-technician hash and the last known location in
// a GEO set so presence survives restarts and is shared between processes.
type RedisPresence struct {
	cmds   RedisCmds
	geoKey string
}

func NewRedisPresence(cmds RedisCmds, geoKey string) *RedisPresence {
	if geoKey == "" {
		geoKey = "technicians_geo"
	}
	return &RedisPresence{cmds: cmds, geoKey: geoKey}
}

func (r *RedisPresence) Set(ctx context.Context, u models.PresenceUpdate) error {
	if u.Updated.IsZero() {
		u.Updated = time.Now()
	}
	if u.Loc != nil {
		loc := &redis.GeoLocation{Longitude: u.Loc.Lon, Latitude: u.Loc.Lat, Name: u.TechnicianID}
		if err := r.cmds.GeoAdd(ctx, r.geoKey, loc); err != nil {
			return errors.Wrap(err, "geoadd presence")
		}
	}
	err := r.cmds.HSet(ctx, presenceKey(u.TechnicianID), map[string]interface{}{
		"online":  strconv.FormatBool(u.Online),
		"updated": u.Updated.UTC().Format(time.RFC3339),
	})
	return errors.Wrap(err, "hset presence")
}

func (r *RedisPresence) Online(ctx context.Context, technicianID string) (bool, error) {
	v, err := r.cmds.HGet(ctx, presenceKey(technicianID), "online")
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "hget presence")
	}
	return v == "true", nil
}

func presenceKey(id string) string { return "technician:presence:" + id }

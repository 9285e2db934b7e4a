// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

const (
	connsPerCPU = 10
	maxIdleTime = 10 * time.Minute
)

// redisStore is the cross-instance authoritative Store backend,
// connection-pooled and optionally traced exactly the way the routing
// layer's pubsub client is in the teacher repo.
type redisStore struct {
	client redis.UniversalClient
}

func newRedisStore(ctx context.Context, cfg *config.Config) (*redisStore, error) {
	var client redis.UniversalClient
	if len(cfg.Store.Cluster) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           cfg.Store.Cluster,
			Password:        cfg.Store.Password,
			PoolFIFO:        true,
			PoolSize:        runtime.GOMAXPROCS(0) * connsPerCPU,
			MinIdleConns:    runtime.GOMAXPROCS(0),
			ConnMaxIdleTime: maxIdleTime,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:            fmt.Sprintf("%s:%d", cfg.Store.Host, cfg.Store.Port),
			Password:        cfg.Store.Password,
			PoolFIFO:        true,
			PoolSize:        runtime.GOMAXPROCS(0) * connsPerCPU,
			MinIdleConns:    runtime.GOMAXPROCS(0),
			ConnMaxIdleTime: maxIdleTime,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.Metrics.OTLPEndpoint != "" {
		if err := redisotel.InstrumentTracing(client); err != nil {
			return nil, fmt.Errorf("failed to trace redis: %w", err)
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			return nil, fmt.Errorf("failed to instrument redis metrics: %w", err)
		}
	}

	return &redisStore{client: client}, nil
}

func wrapDependencyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDependencyDown, err)
}

func (r *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapDependencyErr(err)
	}
	return ok, nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapDependencyErr(err)
	}
	return val, nil
}

func (r *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, wrapDependencyErr(err)
	}
	return val, nil
}

func (r *redisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapDependencyErr(err)
	}
	return val, nil
}

func (r *redisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, wrapDependencyErr(err)
	}
	return val, nil
}

func (r *redisStore) HDel(ctx context.Context, key, field string) error {
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	val, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapDependencyErr(err)
	}
	return val, nil
}

func (r *redisStore) XAdd(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", wrapDependencyErr(err)
	}
	return id, nil
}

func (r *redisStore) XGroupCreate(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return wrapDependencyErr(err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (r *redisStore) XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDependencyErr(err)
	}
	var entries []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

func (r *redisStore) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) XLen(ctx context.Context, stream string) (int64, error) {
	val, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, wrapDependencyErr(err)
	}
	return val, nil
}

func (r *redisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapDependencyErr(err)
	}
	return nil
}

func (r *redisStore) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

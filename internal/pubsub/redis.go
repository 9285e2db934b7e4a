// SPDX-License-Identifier: AGPL-3.0-or-later

package pubsub

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

type redisPubSub struct {
	client redis.UniversalClient
}

func newRedisPubSub(ctx context.Context, cfg *config.Config) (*redisPubSub, error) {
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

	return &redisPubSub{client: client}, nil
}

func (ps *redisPubSub) Publish(ctx context.Context, topic string, message []byte) error {
	if err := ps.client.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (ps *redisPubSub) Subscribe(topic string) Subscription {
	sub := ps.client.Subscribe(context.Background(), topic)
	return &redisSubscription{sub: sub}
}

func (ps *redisPubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis pubsub client: %w", err)
	}
	return nil
}

type redisSubscription struct {
	sub *redis.PubSub
}

func (s *redisSubscription) Close() error {
	if err := s.sub.Close(); err != nil {
		return fmt.Errorf("failed to close redis subscription: %w", err)
	}
	return nil
}

func (s *redisSubscription) Channel() <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range s.sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out
}

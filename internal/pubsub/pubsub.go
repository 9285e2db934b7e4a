// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pubsub is the fan-out bus used for MODEL_NOT_AVAILABLE
// notifications (§4.1, §7): once the routing runtime's debounce gate
// decides a given (service, version) window should notify, the event is
// published here so a subscriber can react without the registry needing
// to know who's listening. Nothing in this repository subscribes to the
// topic outside this package's tests.
package pubsub

import (
	"context"

	"github.com/babelrelay/scheduler/internal/config"
)

// PubSub is a minimal topic-based publish/subscribe bus.
type PubSub interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Subscribe(topic string) Subscription
	Close() error
}

// Subscription is a live subscription to one topic.
type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// New builds a PubSub from configuration: an in-memory bus for
// single-instance/test use, or Redis when cross-instance fan-out is
// required (the same backend choice as the shared store).
func New(ctx context.Context, cfg *config.Config) (PubSub, error) {
	if cfg.Store.Backend == config.StoreBackendRedis {
		return newRedisPubSub(ctx, cfg)
	}
	return newMemoryPubSub(), nil
}

// ModelUnavailableTopic is the fixed topic name MODEL_NOT_AVAILABLE
// events are published to.
const ModelUnavailableTopic = "model_na"

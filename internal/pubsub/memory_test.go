// SPDX-License-Identifier: AGPL-3.0-or-later

package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSubPublishSubscribe(t *testing.T) {
	ps := newMemoryPubSub()
	defer ps.Close()

	sub := ps.Subscribe(ModelUnavailableTopic)
	defer sub.Close()

	require.NoError(t, ps.Publish(context.Background(), ModelUnavailableTopic, []byte("asr-zh-v2")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "asr-zh-v2", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryPubSubMultipleSubscribers(t *testing.T) {
	ps := newMemoryPubSub()
	defer ps.Close()

	sub1 := ps.Subscribe("topic")
	sub2 := ps.Subscribe("topic")
	defer sub1.Close()
	defer sub2.Close()

	require.NoError(t, ps.Publish(context.Background(), "topic", []byte("x")))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Channel():
			assert.Equal(t, "x", string(msg))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestMemoryPubSubUnsubscribedTopicIsNoop(t *testing.T) {
	ps := newMemoryPubSub()
	defer ps.Close()

	require.NoError(t, ps.Publish(context.Background(), "nobody-listening", []byte("x")))
}

func TestMemorySubscriptionCloseIdempotent(t *testing.T) {
	ps := newMemoryPubSub()
	defer ps.Close()

	sub := ps.Subscribe("topic")
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

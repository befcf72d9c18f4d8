// Package eventbus publishes stream lifecycle notifications over redis
// pub/sub, so side services (chat, recommendations, push) learn about
// broadcasts going live and ending without polling the gateway.
package eventbus

import (
	"context"

	"github.com/go-redis/redis/v8"
)

type Channel string

const (
	StreamEvents Channel = "stream_events"
)

func (c Channel) buildChannel(streamID string) string {
	return string(c) + ":" + streamID
}

type Publisher interface {
	PublishStreamEvent(streamID string, n Notification) error
}

type Subscriber interface {
	SubscribeStreamEvents(streamID string) (*Subscription, error)
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

type Eventbus struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building Eventbus based on redis pubsub
func RedisPubSub(rdb *redis.Client) *Eventbus {
	return &Eventbus{rdb: rdb}
}

func (e *Eventbus) PublishStreamEvent(streamID string, n Notification) error {
	msg, err := n.ToJSON()
	if err != nil {
		return err
	}
	return e.rdb.Publish(context.Background(), StreamEvents.buildChannel(streamID), msg).Err()
}

func (e *Eventbus) SubscribeStreamEvents(streamID string) (*Subscription, error) {
	ctx := context.Background()
	pubsub := e.rdb.Subscribe(ctx, StreamEvents.buildChannel(streamID))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}

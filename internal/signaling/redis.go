// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	internal_signal "github.com/medicamovil/internal/signal"
	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/connectors"
)

// redisTransport fans signals out across service instances via redis
// pub/sub, whose delivery semantics match the Transport contract exactly:
// subscribers receive at most once, in publish order per connection, and a
// message published with no subscriber is gone.
type redisTransport struct {
	mu     sync.Mutex
	redis  connectors.RedisConnector
	subs   map[string]*redis.PubSub
	logger commons.Logger
}

// NewRedisTransport creates the multi-node Transport.
func NewRedisTransport(conn connectors.RedisConnector, logger commons.Logger) Transport {
	return &redisTransport{
		redis:  conn,
		subs:   make(map[string]*redis.PubSub),
		logger: logger,
	}
}

func (t *redisTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	pubsub := t.redis.Subscribe(ctx, topic)
	// Force the subscription onto the wire before returning, so a publish
	// racing this call is not silently lost for the subscriber we promised.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	t.mu.Lock()
	if prev, exists := t.subs[topic]; exists {
		prev.Close()
	}
	t.subs[topic] = pubsub
	t.mu.Unlock()

	go func() {
		for m := range pubsub.Channel() {
			var msg internal_signal.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.logger.Warnw("discarding undecodable signal", "topic", topic, "error", err)
				continue
			}
			h(&msg)
		}
	}()
	return nil
}

func (t *redisTransport) Publish(ctx context.Context, topic string, msg *internal_signal.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.redis.Publish(ctx, topic, payload)
}

func (t *redisTransport) Unsubscribe(topic string) {
	t.mu.Lock()
	if pubsub, exists := t.subs[topic]; exists {
		pubsub.Close()
		delete(t.subs, topic)
	}
	t.mu.Unlock()
}

func (t *redisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, pubsub := range t.subs {
		pubsub.Close()
		delete(t.subs, topic)
	}
	return nil
}

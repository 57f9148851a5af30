// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_signaling

import (
	"context"
	"sync"

	internal_signal "github.com/medicamovil/internal/signal"
	"github.com/medicamovil/pkg/commons"
)

// Handler consumes a delivered signal message. Handlers must not block;
// slow consumers lose messages rather than stalling the transport.
type Handler func(*internal_signal.Message)

// Transport is the pub/sub layer signaling rides on. Delivery contract:
// at-most-once, FIFO per publisher, nothing persisted. A publish to a topic
// nobody subscribes to is silently dropped — recovery belongs to the call
// timeouts, not the transport.
type Transport interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Publish(ctx context.Context, topic string, msg *internal_signal.Message) error
	Unsubscribe(topic string)
	Close() error
}

// subscriberBuffer bounds the per-subscription queue. A full buffer drops
// the message, preserving at-most-once rather than blocking the publisher.
const subscriberBuffer = 64

type memorySubscription struct {
	ch     chan *internal_signal.Message
	cancel context.CancelFunc
}

// memoryTransport is the single-node Transport. Each subscription owns a
// goroutine draining a buffered channel, which keeps per-publisher FIFO
// order without ever blocking Publish.
type memoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	logger commons.Logger
	closed bool
}

// NewMemoryTransport creates an in-process transport. Used in single-node
// deployments and throughout the test suite.
func NewMemoryTransport(logger commons.Logger) Transport {
	return &memoryTransport{
		subs:   make(map[string]*memorySubscription),
		logger: logger,
	}
}

func (t *memoryTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		ch:     make(chan *internal_signal.Message, subscriberBuffer),
		cancel: cancel,
	}

	t.mu.Lock()
	if prev, exists := t.subs[topic]; exists {
		prev.cancel()
	}
	t.subs[topic] = sub
	t.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				h(msg)
			case <-subCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (t *memoryTransport) Publish(_ context.Context, topic string, msg *internal_signal.Message) error {
	t.mu.RLock()
	sub, exists := t.subs[topic]
	t.mu.RUnlock()

	if !exists {
		// Receiver not subscribed yet — message is simply not delivered.
		return nil
	}

	select {
	case sub.ch <- msg:
	default:
		t.logger.Warnw("signal dropped, subscriber buffer full", "topic", topic, "type", msg.Type)
	}
	return nil
}

func (t *memoryTransport) Unsubscribe(topic string) {
	t.mu.Lock()
	if sub, exists := t.subs[topic]; exists {
		sub.cancel()
		delete(t.subs, topic)
	}
	t.mu.Unlock()
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for topic, sub := range t.subs {
		sub.cancel()
		delete(t.subs, topic)
	}
	return nil
}

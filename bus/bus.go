/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package bus is an in-process message channel with at-least-once delivery.
// Each topic's subscribers receive every message on their own goroutine; a
// handler error causes redelivery with backoff, and a message that keeps
// failing is dead-lettered.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chainguard.dev/prreview/metrics"
	"chainguard.dev/prreview/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// ErrNoTopic is returned when publishing to a topic nobody subscribed to.
var ErrNoTopic = errors.New("topic has no subscriptions")

// Handler processes one message. Returning an error requests redelivery.
type Handler func(ctx context.Context, data []byte) error

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Topic     string
	MessageID string
	Data      []byte
	Err       error
}

// Bus routes messages to subscribers.
type Bus struct {
	policy retry.Policy

	mu     sync.RWMutex
	subs   map[string][]Handler
	dead   []DeadLetter
	closed bool

	wg sync.WaitGroup
}

// Option customizes a Bus.
type Option func(*Bus)

// WithRedelivery sets the redelivery policy. Every handler error is treated
// as retryable.
func WithRedelivery(p retry.Policy) Option {
	return func(b *Bus) { b.policy = p }
}

// New returns an empty Bus. By default a message is delivered up to 5 times.
func New(opts ...Option) *Bus {
	b := &Bus{
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			MaxJitter:   50 * time.Millisecond,
		},
		subs: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.policy.Retryable = func(error) bool { return true }
	return b
}

// Subscribe registers h on topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues data for every subscriber of topic and returns without
// waiting for delivery.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publishing to %s: bus is closed", topic)
	}
	subs := b.subs[topic]
	if len(subs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoTopic, topic)
	}

	id := uuid.NewString()
	payload := append([]byte(nil), data...)
	ctx = context.WithoutCancel(ctx)
	for _, h := range subs {
		b.wg.Add(1)
		go b.deliver(ctx, topic, id, payload, h)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, topic, id string, data []byte, h Handler) {
	defer b.wg.Done()
	log := clog.FromContext(ctx).With("topic", topic).With("message_id", id)
	ctx = clog.WithLogger(ctx, log)

	attempt := 0
	_, err := retry.Do(ctx, b.policy, "deliver "+topic, func(ctx context.Context) (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.RecordDelivery(topic, "redelivered")
		}
		return struct{}{}, h(ctx, data)
	})
	if err == nil {
		metrics.RecordDelivery(topic, "delivered")
		return
	}

	metrics.RecordDelivery(topic, "dead_lettered")
	log.With("error", err).Error("Message dead-lettered")
	b.mu.Lock()
	b.dead = append(b.dead, DeadLetter{Topic: topic, MessageID: id, Data: data, Err: err})
	b.mu.Unlock()
}

// Wait blocks until every in-flight delivery, including those published by
// handlers, has finished.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close rejects further publishes and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// DeadLetters returns the messages that exhausted their deliveries.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]DeadLetter(nil), b.dead...)
}

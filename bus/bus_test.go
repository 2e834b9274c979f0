/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainguard.dev/prreview/retry"
)

func testBus() *Bus {
	return New(WithRedelivery(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
}

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	b := testBus()
	var mu sync.Mutex
	got := map[string]string{}
	for _, name := range []string{"a", "b"} {
		b.Subscribe("topic", func(_ context.Context, data []byte) error {
			mu.Lock()
			defer mu.Unlock()
			got[name] = string(data)
			return nil
		})
	}

	data := []byte("hello")
	if err := b.Publish(context.Background(), "topic", data); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	data[0] = 'j'
	b.Wait()

	if got["a"] != "hello" || got["b"] != "hello" {
		t.Errorf("deliveries = %v", got)
	}
}

func TestPublishUnknownTopic(t *testing.T) {
	b := testBus()
	if err := b.Publish(context.Background(), "nobody", nil); !errors.Is(err, ErrNoTopic) {
		t.Errorf("Publish() = %v, want ErrNoTopic", err)
	}
}

func TestRedelivery(t *testing.T) {
	b := testBus()
	var calls atomic.Int32
	b.Subscribe("topic", func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err := b.Publish(context.Background(), "topic", []byte("x")); err != nil {
		t.Fatal(err)
	}
	b.Wait()

	if n := calls.Load(); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}
	if dl := b.DeadLetters(); len(dl) != 0 {
		t.Errorf("DeadLetters() = %v", dl)
	}
}

func TestDeadLetter(t *testing.T) {
	b := testBus()
	boom := errors.New("boom")
	b.Subscribe("topic", func(context.Context, []byte) error { return boom })

	if err := b.Publish(context.Background(), "topic", []byte("poison")); err != nil {
		t.Fatal(err)
	}
	b.Wait()

	dl := b.DeadLetters()
	if len(dl) != 1 {
		t.Fatalf("DeadLetters() = %d, want 1", len(dl))
	}
	if dl[0].Topic != "topic" || string(dl[0].Data) != "poison" || !errors.Is(dl[0].Err, boom) || dl[0].MessageID == "" {
		t.Errorf("DeadLetters()[0] = %+v", dl[0])
	}
}

func TestDeliveryOutlivesPublisherContext(t *testing.T) {
	b := testBus()
	var delivered atomic.Bool
	b.Subscribe("topic", func(ctx context.Context, _ []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delivered.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Publish(ctx, "topic", nil); err != nil {
		t.Fatal(err)
	}
	cancel()
	b.Wait()

	if !delivered.Load() {
		t.Error("delivery was cancelled with the publisher's context")
	}
}

func TestWaitCoversChainedPublishes(t *testing.T) {
	b := testBus()
	var second atomic.Bool
	b.Subscribe("first", func(ctx context.Context, data []byte) error {
		return b.Publish(ctx, "second", data)
	})
	b.Subscribe("second", func(context.Context, []byte) error {
		time.Sleep(5 * time.Millisecond)
		second.Store(true)
		return nil
	})

	if err := b.Publish(context.Background(), "first", nil); err != nil {
		t.Fatal(err)
	}
	b.Wait()
	if !second.Load() {
		t.Error("Wait() returned before the chained delivery finished")
	}
}

func TestClose(t *testing.T) {
	b := testBus()
	b.Subscribe("topic", func(context.Context, []byte) error { return nil })
	b.Close()
	if err := b.Publish(context.Background(), "topic", nil); err == nil {
		t.Error("Publish() after Close() succeeded")
	}
}

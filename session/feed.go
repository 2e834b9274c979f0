/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"context"
	"sync"
)

// Change announces that a session document was written.
type Change struct {
	ReviewID string
	HeadSHA  string
	Status   Status
}

// ChangeHandler reacts to a Change. Handlers must be idempotent: the same
// change may be delivered more than once and changes may arrive out of order.
type ChangeHandler func(context.Context, Change)

// Feed fans out store changes to subscribers. A nil *Feed drops changes.
type Feed struct {
	mu   sync.RWMutex
	subs []ChangeHandler
	wg   sync.WaitGroup
}

// NewFeed returns an empty Feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Subscribe registers h for every future change.
func (f *Feed) Subscribe(h ChangeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, h)
}

// Publish delivers c to every subscriber on its own goroutine. Delivery is
// detached from ctx cancellation but keeps its values (logger, trace).
func (f *Feed) Publish(ctx context.Context, c Change) {
	if f == nil {
		return
	}
	f.mu.RLock()
	subs := append([]ChangeHandler(nil), f.subs...)
	f.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, h := range subs {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			h(ctx, c)
		}()
	}
}

// Wait blocks until all in-flight deliveries have returned.
func (f *Feed) Wait() {
	if f == nil {
		return
	}
	f.wg.Wait()
}

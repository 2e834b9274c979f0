/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package storetest is a conformance suite for session.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainguard.dev/prreview/session"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

// Factory constructs an empty Store that publishes on feed.
type Factory func(t *testing.T, feed *session.Feed) session.Store

var domains = []string{"docs", "quality", "security"}

// PRInfo returns a valid snapshot for tests.
func PRInfo(sha string) session.PRInfo {
	return session.PRInfo{
		RepoFullName: "chainguard-dev/example",
		PRNumber:     7,
		HeadSHA:      sha,
		BaseSHA:      "base",
		HeadRef:      "feature",
		BaseRef:      "main",
	}
}

// ignoreTimes drops wall-clock fields from comparisons.
var ignoreTimes = cmpopts.IgnoreFields(session.Session{}, "CreatedAt", "UpdatedAt")

// Run exercises every Store guarantee the coordination protocol relies on.
func Run(t *testing.T, factory Factory) {
	t.Run("create and read", func(t *testing.T) { testCreateAndRead(t, factory) })
	t.Run("stale commit is a no-op", func(t *testing.T) { testStaleCommit(t, factory) })
	t.Run("missing session is stale", func(t *testing.T) { testMissing(t, factory) })
	t.Run("counter never exceeds total", func(t *testing.T) { testCounter(t, factory) })
	t.Run("replace invalidates old revision", func(t *testing.T) { testReplace(t, factory) })
	t.Run("failed mutation writes nothing", func(t *testing.T) { testMutationError(t, factory) })
	t.Run("concurrent domain commits", func(t *testing.T) { testConcurrentCommits(t, factory) })
	t.Run("consolidation flip happens once", func(t *testing.T) { testSingleFlip(t, factory) })
	t.Run("writes are announced", func(t *testing.T) { testFeed(t, factory) })
}

func testCreateAndRead(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)

	created, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)

	got, err := store.Read(ctx, id)
	require.NoError(t, err)

	want := &session.Session{
		ReviewID:   "chainguard-dev_example_7",
		PRInfo:     PRInfo("abc"),
		Status:     session.StatusPending,
		TotalTasks: 3,
		Domains: map[string]*session.DomainState{
			"docs":     {Status: session.DomainPending},
			"quality":  {Status: session.DomainPending},
			"security": {Status: session.DomainPending},
		},
	}
	if diff := cmp.Diff(want, got, ignoreTimes, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Read() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(created, got, cmpopts.EquateEmpty(), cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("CreateOrReplace() and Read() disagree (-create +read):\n%s", diff)
	}
}

func testStaleCommit(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)

	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)
	before, err := store.Read(ctx, id)
	require.NoError(t, err)

	called := false
	_, err = store.ConditionalCommit(ctx, id, "zzz", func(s *session.Session) error {
		called = true
		s.TasksCompleted = 99
		return nil
	})
	require.ErrorIs(t, err, session.ErrStale)
	require.False(t, called, "mutation must not run on a stale token")

	after, err := store.Read(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("stale commit mutated the document (-before +after):\n%s", diff)
	}
}

func testMissing(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)

	_, err := store.Read(ctx, "nope_1")
	require.ErrorIs(t, err, session.ErrNotFound)

	_, err = store.ConditionalCommit(ctx, "nope_1", "abc", session.CompleteDomain("docs", "t1", nil))
	require.ErrorIs(t, err, session.ErrStale)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func testCounter(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)
	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)

	results := []session.FileResult{{FilePath: "main.go", Feedback: "ok"}}
	for i, d := range domains {
		s, err := store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain(d, fmt.Sprintf("task-%d", i), results))
		require.NoError(t, err)
		require.Equal(t, i+1, s.TasksCompleted)
	}

	// Redelivery of the same task, and a second task for a finished domain.
	_, err = store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain("docs", "task-0", results))
	require.ErrorIs(t, err, session.ErrDuplicate)
	_, err = store.ConditionalCommit(ctx, id, "abc", session.FailDomain("docs", "task-9", "boom"))
	require.ErrorIs(t, err, session.ErrDuplicate)

	got, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, got.TotalTasks, got.TasksCompleted)
	require.Equal(t, session.DomainComplete, got.Domains["docs"].Status)
}

func testReplace(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)

	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)
	_, err = store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain("docs", "old-docs", nil))
	require.NoError(t, err)

	_, err = store.CreateOrReplace(ctx, id, PRInfo("def"), domains)
	require.NoError(t, err)

	_, err = store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain("quality", "old-quality", nil))
	require.ErrorIs(t, err, session.ErrStale)

	s, err := store.ConditionalCommit(ctx, id, "def", session.CompleteDomain("docs", "new-docs", nil))
	require.NoError(t, err)
	require.Equal(t, 1, s.TasksCompleted, "replace must reset counters")
	require.Equal(t, []string{"new-docs"}, s.AppliedTasks)
	require.Equal(t, session.DomainPending, s.Domains["quality"].Status)
}

func testMutationError(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)
	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.ConditionalCommit(ctx, id, "abc", func(s *session.Session) error {
		s.Status = session.StatusComplete
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, session.StatusPending, got.Status)
}

func testConcurrentCommits(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)
	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)

	// Each domain is delivered twice, concurrently.
	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for _, d := range domains {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain(d, "task-"+d, nil))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, session.ErrDuplicate):
					dup.Add(1)
				default:
					t.Errorf("ConditionalCommit(%s) = %v", d, err)
				}
			}()
		}
	}
	wg.Wait()

	require.EqualValues(t, 3, ok.Load())
	require.EqualValues(t, 3, dup.Load())
	got, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, got.TasksCompleted)
}

func testSingleFlip(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := factory(t, nil)
	id := session.ReviewID("chainguard-dev/example", 7)
	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)
	for _, d := range domains {
		_, err := store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain(d, "task-"+d, nil))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var flips atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConditionalCommit(ctx, id, "abc", session.BeginConsolidation())
			switch {
			case err == nil:
				flips.Add(1)
			case errors.Is(err, session.ErrInvalidTransition):
			default:
				t.Errorf("BeginConsolidation() = %v", err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, flips.Load())
}

func testFeed(t *testing.T, factory Factory) {
	ctx := context.Background()
	feed := session.NewFeed()

	var mu sync.Mutex
	var got []session.Change
	feed.Subscribe(func(_ context.Context, c session.Change) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})

	store := factory(t, feed)
	id := session.ReviewID("chainguard-dev/example", 7)
	_, err := store.CreateOrReplace(ctx, id, PRInfo("abc"), domains)
	require.NoError(t, err)
	_, err = store.ConditionalCommit(ctx, id, "abc", session.CompleteDomain("docs", "t", nil))
	require.NoError(t, err)
	_, err = store.ConditionalCommit(ctx, id, "stale", session.CompleteDomain("quality", "t2", nil))
	require.ErrorIs(t, err, session.ErrStale)
	feed.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "only committed writes are announced")
	for _, c := range got {
		require.Equal(t, id, c.ReviewID)
		require.Equal(t, "abc", c.HeadSHA)
	}
}

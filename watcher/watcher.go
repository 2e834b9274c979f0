/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package watcher detects when every domain of a review has reported and
// triggers consolidation exactly once.
package watcher

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/prreview/metrics"
	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
)

const component = "watcher"

// Consolidator publishes the consolidation message of a session.
type Consolidator interface {
	Consolidate(ctx context.Context, s *session.Session) error
}

// Watcher reacts to session changes. It holds no state of its own, so any
// number of invocations may run concurrently for the same review.
type Watcher struct {
	store session.Store
	next  Consolidator
}

// New returns a Watcher that flips sessions in store and hands them to next.
func New(store session.Store, next Consolidator) *Watcher {
	return &Watcher{store: store, next: next}
}

// OnChange is a session.ChangeHandler. Errors are logged.
func (w *Watcher) OnChange(ctx context.Context, c session.Change) {
	if c.Status != session.StatusPending {
		return
	}
	if _, err := w.Check(ctx, c.ReviewID); err != nil {
		clog.FromContext(ctx).With("review_id", c.ReviewID).With("error", err).Error("Completion check failed")
	}
}

// Check reads the session and, when every task has reported and the session
// is still pending, flips it to consolidating and publishes the
// consolidation message. It reports whether this call performed the flip.
// A failure to publish moves the session to error.
func (w *Watcher) Check(ctx context.Context, reviewID string) (bool, error) {
	s, err := w.store.Read(ctx, reviewID)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("reading session: %w", err)
	}
	if s.Status != session.StatusPending || !s.AllReported() {
		return false, nil
	}

	log := clog.FromContext(ctx).With("review_id", reviewID).With("head_sha", s.PRInfo.HeadSHA)
	ctx = clog.WithLogger(ctx, log)

	flipped, err := w.store.ConditionalCommit(ctx, reviewID, s.PRInfo.HeadSHA, session.BeginConsolidation())
	metrics.RecordCommit(component, "begin_consolidation", err)
	switch {
	case errors.Is(err, session.ErrStale), errors.Is(err, session.ErrInvalidTransition):
		// Another invocation won the flip, or a new revision replaced this one.
		log.With("reason", err).Debug("Consolidation already handled")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("beginning consolidation: %w", err)
	}
	metrics.RecordConsolidation("triggered")
	log.With("tasks_completed", flipped.TasksCompleted).Info("All domains reported, consolidating")

	if err := w.next.Consolidate(ctx, flipped); err != nil {
		metrics.RecordConsolidation("dispatch_failed")
		log.With("error", err).Error("Failed to dispatch consolidation")
		_, ferr := w.store.ConditionalCommit(ctx, reviewID, flipped.PRInfo.HeadSHA, session.Fail(err.Error()))
		metrics.RecordCommit(component, "fail", ferr)
		if ferr != nil {
			log.With("error", ferr).Error("Failed to record consolidation dispatch error")
		}
		return true, err
	}
	return true, nil
}

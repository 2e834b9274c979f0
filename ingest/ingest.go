/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ingest turns pull request events into review sessions and fans
// their analysis tasks out to every configured domain.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"chainguard.dev/prreview/dispatch"
	"chainguard.dev/prreview/domain"
	"chainguard.dev/prreview/metrics"
	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
)

var (
	// ErrIgnored is returned by Ingest for events that do not start a review.
	ErrIgnored = errors.New("event does not start a review")

	// ErrInvalidEvent is returned by Ingest for events missing required fields.
	ErrInvalidEvent = errors.New("invalid pull request event")
)

// Actions are the pull request actions that start a review of the head
// commit.
var Actions = []string{"opened", "reopened", "synchronize"}

// Event is a pull request notification.
type Event struct {
	Action string
	PRInfo session.PRInfo
}

// Fanout publishes one task per domain.
type Fanout interface {
	Fanout(ctx context.Context, reviewID string, info session.PRInfo, domains []string) ([]dispatch.TaskMessage, error)
}

// Ingestor creates sessions and dispatches their tasks.
type Ingestor struct {
	store   session.Store
	fanout  Fanout
	catalog domain.Catalog
}

// New returns an Ingestor reviewing every domain in catalog.
func New(store session.Store, fanout Fanout, catalog domain.Catalog) *Ingestor {
	return &Ingestor{store: store, fanout: fanout, catalog: catalog}
}

// Ingest (re)creates the session for ev's pull request and dispatches its
// tasks. A new head commit replaces the previous session, which makes every
// in-flight task of the older commit stale. Events with other actions
// return ErrIgnored and touch nothing. When dispatch fails the session is
// moved to error and the dispatch error is returned.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) (*session.Session, error) {
	if !slices.Contains(Actions, ev.Action) {
		metrics.RecordEvent(ev.Action, "ignored")
		return nil, fmt.Errorf("%w: action %q", ErrIgnored, ev.Action)
	}
	if err := ev.PRInfo.Validate(); err != nil {
		metrics.RecordEvent(ev.Action, "invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	info := ev.PRInfo
	reviewID := session.ReviewID(info.RepoFullName, info.PRNumber)
	log := clog.FromContext(ctx).With("review_id", reviewID).With("head_sha", info.HeadSHA)
	ctx = clog.WithLogger(ctx, log)

	s, err := i.store.CreateOrReplace(ctx, reviewID, info, i.catalog.Names())
	if err != nil {
		metrics.RecordEvent(ev.Action, "error")
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if _, err := i.fanout.Fanout(ctx, reviewID, info, s.DomainNames()); err != nil {
		metrics.RecordEvent(ev.Action, "dispatch_failed")
		log.With("error", err).Error("Failed to dispatch analysis tasks")
		failed, ferr := i.store.ConditionalCommit(ctx, reviewID, info.HeadSHA, session.Fail("dispatching tasks: "+err.Error()))
		metrics.RecordCommit("ingest", "fail", ferr)
		if ferr == nil {
			s = failed
		} else {
			log.With("error", ferr).Error("Failed to record dispatch error")
		}
		return s, fmt.Errorf("dispatching tasks: %w", err)
	}

	metrics.RecordEvent(ev.Action, "dispatched")
	log.With("action", ev.Action).With("domains", s.TotalTasks).Info("Dispatched review")
	return s, nil
}

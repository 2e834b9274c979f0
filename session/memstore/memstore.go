/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package memstore is an in-process session.Store. Transactions on a review
// are serialized by a per-review lock, which gives the same compare-and-swap
// semantics as a document database transaction.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
)

// Store keeps sessions in memory. The zero value is not usable; call New.
type Store struct {
	feed *session.Feed
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	docs  map[string]*session.Session
}

var _ session.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store that announces writes on feed (which may be nil).
func New(feed *session.Feed, opts ...Option) *Store {
	s := &Store{
		feed:  feed,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
		docs:  make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock returns the held lock for reviewID; callers must Unlock it.
func (s *Store) lock(reviewID string) *sync.Mutex {
	s.mu.Lock()
	l, ok := s.locks[reviewID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[reviewID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l
}

func (s *Store) load(reviewID string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[reviewID]
}

func (s *Store) save(doc *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ReviewID] = doc
}

// CreateOrReplace implements session.Store.
func (s *Store) CreateOrReplace(ctx context.Context, reviewID string, info session.PRInfo, domains []string) (*session.Session, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pr info: %w", err)
	}
	l := s.lock(reviewID)
	doc := session.New(reviewID, info, domains, s.now())
	if prev := s.load(reviewID); prev != nil && prev.PRInfo.HeadSHA != info.HeadSHA {
		clog.FromContext(ctx).With("review_id", reviewID).
			With("previous_sha", prev.PRInfo.HeadSHA).
			With("head_sha", info.HeadSHA).
			Info("Replacing session for new revision")
	}
	s.save(doc)
	l.Unlock()

	s.feed.Publish(ctx, session.Change{ReviewID: reviewID, HeadSHA: info.HeadSHA, Status: doc.Status})
	return doc.Clone(), nil
}

// ConditionalCommit implements session.Store.
func (s *Store) ConditionalCommit(ctx context.Context, reviewID, expectedHeadSHA string, mutate session.Mutation) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.lock(reviewID)
	next, err := session.Apply(s.load(reviewID), reviewID, expectedHeadSHA, mutate, s.now())
	if err != nil {
		l.Unlock()
		return nil, err
	}
	s.save(next)
	l.Unlock()

	s.feed.Publish(ctx, session.Change{ReviewID: reviewID, HeadSHA: next.PRInfo.HeadSHA, Status: next.Status})
	return next.Clone(), nil
}

// Read implements session.Store.
func (s *Store) Read(_ context.Context, reviewID string) (*session.Session, error) {
	doc := s.load(reviewID)
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, reviewID)
	}
	return doc.Clone(), nil
}

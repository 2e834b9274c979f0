/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStale is returned by ConditionalCommit when the stored head SHA no
	// longer matches the caller's fencing token. Nothing was written.
	ErrStale = errors.New("stale head sha")

	// ErrNotFound is returned when no session exists for a review id.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicate is returned when a mutation would apply a task result that
	// has already been recorded.
	ErrDuplicate = errors.New("duplicate task result")

	// ErrInvalidTransition is returned when a mutation's precondition on the
	// current status does not hold. Nothing was written.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Mutation edits a session inside a store transaction. Returning an error
// aborts the transaction without side effects.
type Mutation func(*Session) error

// Store is the durable home of review sessions. Implementations must
// serialize concurrent transactions on the same review id and give each
// transaction a fresh read of the document.
type Store interface {
	// CreateOrReplace upserts a pending session for info, resetting all
	// counters and per-domain fields. A replace always wins over in-flight
	// transactions and invalidates the previous head SHA.
	CreateOrReplace(ctx context.Context, reviewID string, info PRInfo, domains []string) (*Session, error)

	// ConditionalCommit runs mutate only when the stored head SHA equals
	// expectedHeadSHA, returning the committed session. On mismatch it
	// returns ErrStale and writes nothing.
	ConditionalCommit(ctx context.Context, reviewID, expectedHeadSHA string, mutate Mutation) (*Session, error)

	// Read returns a point-in-time snapshot of the session.
	Read(ctx context.Context, reviewID string) (*Session, error)
}

// Apply is the transaction body shared by Store implementations: it checks
// the fencing token against current, then runs mutate on a copy. The returned
// session is what the caller must persist.
func Apply(current *Session, reviewID, expectedHeadSHA string, mutate Mutation, now time.Time) (*Session, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrStale, ErrNotFound, reviewID)
	}
	if current.PRInfo.HeadSHA != expectedHeadSHA {
		return nil, fmt.Errorf("%w: review %s is at %s, task is at %s", ErrStale, reviewID, current.PRInfo.HeadSHA, expectedHeadSHA)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	return next, nil
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package session holds the authoritative state of a pull-request review and
// the fenced mutations that move it through its lifecycle.
//
// A Session is created (or replaced) once per qualifying pull-request event.
// Its PRInfo snapshot pins the head commit, and that commit is the fencing
// token for every subsequent write: a Store only applies a Mutation when the
// stored head SHA still matches the SHA the caller was dispatched with.
//
// # Lifecycle
//
//	pending ──(all domains reported)──▶ consolidating ──▶ complete
//	   │                                     │
//	   └──────────────▶ error ◀──────────────┘
//
// Each analysis domain moves independently from pending to complete or error
// exactly once per head SHA.
//
// # Basic Usage
//
//	store := memstore.New(feed)
//	s, err := store.CreateOrReplace(ctx, session.ReviewID(repo, number), info, domains)
//
//	// later, from a worker
//	_, err = store.ConditionalCommit(ctx, s.ReviewID, info.HeadSHA,
//	    session.CompleteDomain("security", taskID, results))
//	if errors.Is(err, session.ErrStale) {
//	    // a newer revision replaced this session; drop the result
//	}
//
// # Change Feed
//
// Stores publish a Change on a Feed after every committed write. Subscribers
// (the completion watcher) are invoked asynchronously and may observe the
// same change more than once.
package session

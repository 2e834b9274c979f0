/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package report publishes synthesized review documents.
package report

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/prreview/session"
)

// Reporter publishes a final review document for a pull request. A publish
// either fully succeeds or returns an error.
type Reporter interface {
	Publish(ctx context.Context, info session.PRInfo, reviewID, document string) error
}

// Func adapts a function to Reporter.
type Func func(ctx context.Context, info session.PRInfo, reviewID, document string) error

// Publish implements Reporter.
func (f Func) Publish(ctx context.Context, info session.PRInfo, reviewID, document string) error {
	return f(ctx, info, reviewID, document)
}

// Multi publishes to each reporter in order and stops at the first failure.
type Multi []Reporter

// Publish implements Reporter.
func (m Multi) Publish(ctx context.Context, info session.PRInfo, reviewID, document string) error {
	if len(m) == 0 {
		return errors.New("no reporters configured")
	}
	for i, r := range m {
		if err := r.Publish(ctx, info, reviewID, document); err != nil {
			return fmt.Errorf("reporter %d: %w", i, err)
		}
	}
	return nil
}

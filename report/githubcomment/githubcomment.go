/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubcomment publishes review documents as pull request comments.
package githubcomment

import (
	"context"
	"fmt"

	"chainguard.dev/prreview/report"
	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// Reporter posts each document as an issue comment on the pull request.
type Reporter struct {
	client *github.Client
}

var _ report.Reporter = (*Reporter)(nil)

// New returns a Reporter using client.
func New(client *github.Client) *Reporter {
	return &Reporter{client: client}
}

// Publish implements report.Reporter.
func (r *Reporter) Publish(ctx context.Context, info session.PRInfo, reviewID, document string) error {
	comment, _, err := r.client.Issues.CreateComment(ctx, info.Owner(), info.Repo(), info.PRNumber, &github.IssueComment{
		Body: github.Ptr(document),
	})
	if err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	clog.FromContext(ctx).With("review_id", reviewID).
		With("comment_url", comment.GetHTMLURL()).
		Info("Posted review comment")
	return nil
}

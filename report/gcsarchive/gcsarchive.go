/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gcsarchive keeps a copy of every final review document in a Cloud
// Storage bucket.
package gcsarchive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"

	"chainguard.dev/prreview/report"
	"chainguard.dev/prreview/session"
	"cloud.google.com/go/storage"
	"github.com/chainguard-dev/clog"
	"google.golang.org/api/option"
)

// Archive writes documents to reports/<review_id>/<head_sha>.md.
type Archive struct {
	client *storage.Client
	bucket string
}

var _ report.Reporter = (*Archive)(nil)

// New creates a storage client and returns an Archive for bucket.
func New(ctx context.Context, bucket string, opts ...option.ClientOption) (*Archive, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return NewWithClient(client, bucket), nil
}

// NewWithClient returns an Archive using an existing client.
func NewWithClient(client *storage.Client, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket}
}

// ObjectName is where the document for a revision is stored.
func ObjectName(reviewID, headSHA string) string {
	return path.Join("reports", reviewID, headSHA+".md")
}

// Publish implements report.Reporter.
func (a *Archive) Publish(ctx context.Context, info session.PRInfo, reviewID, document string) error {
	name := ObjectName(reviewID, info.HeadSHA)
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "text/markdown; charset=utf-8"
	w.ChunkSize = 0
	w.Metadata = map[string]string{
		"repo":      info.RepoFullName,
		"pr_number": strconv.Itoa(info.PRNumber),
		"head_sha":  info.HeadSHA,
	}
	if _, err := io.WriteString(w, document); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", a.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing gs://%s/%s: %w", a.bucket, name, err)
	}
	clog.FromContext(ctx).With("review_id", reviewID).With("object", name).Info("Archived review document")
	return nil
}

// Close releases the storage client.
func (a *Archive) Close() error {
	return a.client.Close()
}

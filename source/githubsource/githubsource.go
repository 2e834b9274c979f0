/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubsource implements source.Fetcher with the GitHub REST API.
package githubsource

import (
	"context"
	"fmt"
	"net/http"

	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// Fetcher lists pull request files and reads contents through the API.
type Fetcher struct {
	client   *github.Client
	maxBytes int64
}

var _ source.Fetcher = (*Fetcher)(nil)

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithMaxFileBytes overrides source.DefaultMaxFileBytes.
func WithMaxFileBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// New returns a Fetcher using client.
func New(client *github.Client, opts ...Option) *Fetcher {
	f := &Fetcher{client: client, maxBytes: source.DefaultMaxFileBytes}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ChangedFiles implements source.Fetcher.
func (f *Fetcher) ChangedFiles(ctx context.Context, info session.PRInfo) ([]string, error) {
	opts := &github.ListOptions{PerPage: 100}
	var paths []string
	for {
		files, resp, err := f.client.PullRequests.ListFiles(ctx, info.Owner(), info.Repo(), info.PRNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("listing files of %s#%d: %w", info.RepoFullName, info.PRNumber, err)
		}
		for _, file := range files {
			if file.GetStatus() == "removed" {
				continue
			}
			paths = append(paths, file.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	clog.FromContext(ctx).With("count", len(paths)).Info("Listed changed files")
	return paths, nil
}

// Content implements source.Fetcher.
func (f *Fetcher) Content(ctx context.Context, info session.PRInfo, path string) (string, error) {
	fc, _, resp, err := f.client.Repositories.GetContents(ctx, info.Owner(), info.Repo(), path,
		&github.RepositoryContentGetOptions{Ref: info.HeadSHA})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s not found at %s", source.ErrUnavailable, path, info.HeadSHA)
		}
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if fc == nil {
		return "", fmt.Errorf("%w: %s is a directory", source.ErrUnavailable, path)
	}
	if f.maxBytes > 0 && int64(fc.GetSize()) > f.maxBytes {
		return "", fmt.Errorf("%w: %s is %d bytes", source.ErrUnavailable, path, fc.GetSize())
	}
	text, err := fc.GetContent()
	if err != nil {
		return "", fmt.Errorf("%w: decoding %s: %w", source.ErrUnavailable, path, err)
	}
	return source.Decode([]byte(text), f.maxBytes)
}

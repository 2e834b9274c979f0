/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package source retrieves the files a pull request changed and their
// contents at the pinned head commit.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
)

// ErrUnavailable marks a file whose contents cannot be reviewed: binary,
// too large, or absent at the requested commit. It is a normal outcome.
var ErrUnavailable = errors.New("file contents unavailable")

// UnavailableMessage is the feedback recorded for a file whose contents are
// unavailable.
const UnavailableMessage = "Unable to retrieve file contents (possibly binary or too large)."

// DefaultMaxFileBytes caps the size of a file sent for analysis.
const DefaultMaxFileBytes = 1 << 20

// Fetcher lists and reads the files of a pull request revision.
type Fetcher interface {
	// ChangedFiles returns the paths added or modified by the pull request,
	// excluding deletions.
	ChangedFiles(ctx context.Context, info session.PRInfo) ([]string, error)

	// Content returns the text of path at info.HeadSHA, or an error wrapping
	// ErrUnavailable.
	Content(ctx context.Context, info session.PRInfo, path string) (string, error)
}

// Decode validates raw file bytes as reviewable text.
func Decode(raw []byte, maxBytes int64) (string, error) {
	switch {
	case maxBytes > 0 && int64(len(raw)) > maxBytes:
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrUnavailable, len(raw), maxBytes)
	case bytes.IndexByte(raw, 0) >= 0, !utf8.Valid(raw):
		return "", fmt.Errorf("%w: binary content", ErrUnavailable)
	}
	return string(raw), nil
}

// Fallback consults Primary first and Secondary when Primary fails.
type Fallback struct {
	Primary   Fetcher
	Secondary Fetcher
}

var _ Fetcher = Fallback{}

// ChangedFiles implements Fetcher. Secondary is used when Primary errors or
// finds nothing.
func (f Fallback) ChangedFiles(ctx context.Context, info session.PRInfo) ([]string, error) {
	files, err := f.Primary.ChangedFiles(ctx, info)
	if err == nil && len(files) > 0 {
		return files, nil
	}
	if err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Listing changed files failed, falling back")
	}
	alt, altErr := f.Secondary.ChangedFiles(ctx, info)
	if altErr != nil {
		if err != nil {
			return nil, errors.Join(err, altErr)
		}
		return nil, altErr
	}
	return alt, nil
}

// Content implements Fetcher.
func (f Fallback) Content(ctx context.Context, info session.PRInfo, path string) (string, error) {
	text, err := f.Primary.Content(ctx, info, path)
	if err == nil {
		return text, nil
	}
	clog.FromContext(ctx).With("path", path).With("error", err).Info("Reading file failed, falling back")
	return f.Secondary.Content(ctx, info, path)
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sourcetest provides an in-memory source.Fetcher for tests.
package sourcetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
)

// Static serves a fixed set of changed files for every revision. A path
// mapped to a nil error in Errors is treated as unavailable.
type Static struct {
	// Files maps changed paths to their contents.
	Files map[string]string
	// Errors overrides Content for specific paths.
	Errors map[string]error
	// ListErr, when set, is returned by ChangedFiles.
	ListErr error

	reads atomic.Int32
}

var _ source.Fetcher = (*Static)(nil)

// ChangedFiles returns the keys of Files in sorted order.
func (s *Static) ChangedFiles(context.Context, session.PRInfo) ([]string, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return slices.Sorted(maps.Keys(s.Files)), nil
}

// Content returns Files[path].
func (s *Static) Content(_ context.Context, _ session.PRInfo, path string) (string, error) {
	s.reads.Add(1)
	if err, ok := s.Errors[path]; ok {
		if err == nil {
			return "", fmt.Errorf("%w: %s", source.ErrUnavailable, path)
		}
		return "", err
	}
	content, ok := s.Files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s not found", source.ErrUnavailable, path)
	}
	return content, nil
}

// Reads returns how many times Content was called.
func (s *Static) Reads() int {
	return int(s.reads.Load())
}

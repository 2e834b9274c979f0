/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package source_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
	"github.com/google/go-cmp/cmp"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		raw         []byte
		max         int64
		want        string
		unavailable bool
	}{
		{name: "text", raw: []byte("package main\n"), max: 100, want: "package main\n"},
		{name: "unlimited", raw: []byte(strings.Repeat("a", 1000)), want: strings.Repeat("a", 1000)},
		{name: "at limit", raw: []byte("abcd"), max: 4, want: "abcd"},
		{name: "too large", raw: []byte("abcde"), max: 4, unavailable: true},
		{name: "nul byte", raw: []byte("PK\x00\x03"), max: 100, unavailable: true},
		{name: "invalid utf8", raw: []byte{0xff, 0xfe, 'a'}, max: 100, unavailable: true},
		{name: "empty", raw: nil, max: 100, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := source.Decode(tt.raw, tt.max)
			if got := errors.Is(err, source.ErrUnavailable); got != tt.unavailable {
				t.Fatalf("Decode() error = %v, unavailable = %v, want %v", err, got, tt.unavailable)
			}
			if got != tt.want {
				t.Errorf("Decode() = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeFetcher struct {
	files    []string
	filesErr error
	contents map[string]string
}

func (f *fakeFetcher) ChangedFiles(context.Context, session.PRInfo) ([]string, error) {
	return f.files, f.filesErr
}

func (f *fakeFetcher) Content(_ context.Context, _ session.PRInfo, path string) (string, error) {
	if c, ok := f.contents[path]; ok {
		return c, nil
	}
	return "", source.ErrUnavailable
}

func TestFallbackChangedFiles(t *testing.T) {
	secondary := &fakeFetcher{files: []string{"from/clone.go"}}
	tests := []struct {
		name    string
		primary *fakeFetcher
		want    []string
	}{
		{"primary wins", &fakeFetcher{files: []string{"a.go"}}, []string{"a.go"}},
		{"primary errors", &fakeFetcher{filesErr: errors.New("403")}, []string{"from/clone.go"}},
		{"primary empty", &fakeFetcher{}, []string{"from/clone.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := source.Fallback{Primary: tt.primary, Secondary: secondary}
			got, err := f.ChangedFiles(context.Background(), session.PRInfo{})
			if err != nil {
				t.Fatalf("ChangedFiles() = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ChangedFiles() (-want +got):\n%s", diff)
			}
		})
	}

	both := source.Fallback{
		Primary:   &fakeFetcher{filesErr: errors.New("api down")},
		Secondary: &fakeFetcher{filesErr: errors.New("clone failed")},
	}
	if _, err := both.ChangedFiles(context.Background(), session.PRInfo{}); err == nil ||
		!strings.Contains(err.Error(), "api down") || !strings.Contains(err.Error(), "clone failed") {
		t.Errorf("ChangedFiles() error = %v, want both causes", err)
	}
}

func TestFallbackContent(t *testing.T) {
	f := source.Fallback{
		Primary:   &fakeFetcher{contents: map[string]string{"a.go": "api"}},
		Secondary: &fakeFetcher{contents: map[string]string{"a.go": "clone", "b.go": "clone"}},
	}
	ctx := context.Background()
	for path, want := range map[string]string{"a.go": "api", "b.go": "clone"} {
		got, err := f.Content(ctx, session.PRInfo{}, path)
		if err != nil || got != want {
			t.Errorf("Content(%q) = %q, %v, want %q", path, got, err, want)
		}
	}
	if _, err := f.Content(ctx, session.PRInfo{}, "c.go"); !errors.Is(err, source.ErrUnavailable) {
		t.Errorf("Content(missing) = %v, want ErrUnavailable", err)
	}
}

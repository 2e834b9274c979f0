/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubsource_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
	"chainguard.dev/prreview/source/githubsource"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v84/github"
)

var info = session.PRInfo{RepoFullName: "octo/repo", PRNumber: 7, HeadSHA: "abc"}

func newClient(t *testing.T, mux *http.ServeMux) *github.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := github.NewClient(nil)
	u, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	client.BaseURL = u
	return client
}

func TestChangedFilesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("GET /repos/octo/repo/pulls/7/files", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("per_page = %q", got)
		}
		var files []*github.CommitFile
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/octo/repo/pulls/7/files?per_page=100&page=2>; rel="next"`, srvURL))
			files = []*github.CommitFile{
				{Filename: github.Ptr("main.go"), Status: github.Ptr("modified")},
				{Filename: github.Ptr("old.go"), Status: github.Ptr("removed")},
			}
		case "2":
			files = []*github.CommitFile{{Filename: github.Ptr("README.md"), Status: github.Ptr("added")}}
		}
		_ = json.NewEncoder(w).Encode(files)
	})
	client := newClient(t, mux)
	srvURL = strings.TrimSuffix(client.BaseURL.String(), "/")

	got, err := githubsource.New(client).ChangedFiles(context.Background(), info)
	if err != nil {
		t.Fatalf("ChangedFiles() = %v", err)
	}
	if diff := cmp.Diff([]string{"main.go", "README.md"}, got); diff != "" {
		t.Errorf("ChangedFiles() (-want +got):\n%s", diff)
	}
}

func TestChangedFilesError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/repo/pulls/7/files", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message": "Bad credentials"}`, http.StatusUnauthorized)
	})
	if _, err := githubsource.New(newClient(t, mux)).ChangedFiles(context.Background(), info); err == nil {
		t.Error("ChangedFiles() succeeded, want error")
	}
}

func contentHandler(t *testing.T, files map[string][]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ref"); got != "abc" {
			t.Errorf("ref = %q, want abc", got)
		}
		path := r.PathValue("path")
		switch {
		case path == "dir":
			_ = json.NewEncoder(w).Encode([]*github.RepositoryContent{{Type: github.Ptr("file"), Name: github.Ptr("x")}})
		case files[path] != nil:
			_ = json.NewEncoder(w).Encode(&github.RepositoryContent{
				Type:     github.Ptr("file"),
				Encoding: github.Ptr("base64"),
				Size:     github.Ptr(len(files[path])),
				Content:  github.Ptr(base64.StdEncoding.EncodeToString(files[path])),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "Not Found"}`)
		}
	}
}

func TestContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/repo/contents/{path...}", contentHandler(t, map[string][]byte{
		"main.go":  []byte("package main\n"),
		"logo.png": {0x89, 'P', 'N', 'G', 0x00},
		"big.go":   make([]byte, 64),
		"pkg/a.go": []byte("package pkg\n"),
	}))
	f := githubsource.New(newClient(t, mux), githubsource.WithMaxFileBytes(32))

	tests := []struct {
		path        string
		want        string
		unavailable bool
	}{
		{path: "main.go", want: "package main\n"},
		{path: "pkg/a.go", want: "package pkg\n"},
		{path: "logo.png", unavailable: true},
		{path: "big.go", unavailable: true},
		{path: "missing.go", unavailable: true},
		{path: "dir", unavailable: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := f.Content(context.Background(), info, tt.path)
			if gotU := errors.Is(err, source.ErrUnavailable); gotU != tt.unavailable {
				t.Fatalf("Content() error = %v, unavailable = %v, want %v", err, gotU, tt.unavailable)
			}
			if got != tt.want {
				t.Errorf("Content() = %q, want %q", got, tt.want)
			}
		})
	}
}

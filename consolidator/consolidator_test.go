/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package consolidator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chainguard.dev/prreview/dispatch"
	"chainguard.dev/prreview/domain"
	"chainguard.dev/prreview/inference"
	"chainguard.dev/prreview/report"
	"chainguard.dev/prreview/retry"
	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/session/memstore"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var info = session.PRInfo{RepoFullName: "chainguard-dev/example", PRNumber: 7, HeadSHA: "abc"}

const reviewID = "chainguard-dev_example_7"

func TestRenderBody(t *testing.T) {
	quality := []session.FileResult{
		{FilePath: "main.go", Feedback: "Looks fine."},
		{FilePath: "util.go", Feedback: "Unused variable."},
	}
	perf := []session.FileResult{
		{FilePath: session.NoFilesPath, Feedback: "No relevant files (.bench) were changed."},
	}
	snap := session.Snapshot{
		PRInfo:  info,
		Domains: map[string]session.DomainState{
			"security": {Status: session.DomainError, Error: "model quota exhausted"},
			"quality":  {Status: session.DomainComplete, Results: quality},
			"perf":     {Status: session.DomainComplete, Results: perf},
			"docs":     {Status: session.DomainPending},
		},
	}

	want := `--- Code Quality Report ---
File: main.go
Feedback: Looks fine.

File: util.go
Feedback: Unused variable.

--- Security Report (FAILED) ---
Analysis failed: model quota exhausted

--- perf Report ---
File: N/A
Feedback: No relevant files (.bench) were changed.

`
	if diff := cmp.Diff(want, RenderBody(snap, domain.Default())); diff != "" {
		t.Errorf("RenderBody() (-want, +got):\n%s", diff)
	}
}

type fixture struct {
	store     *memstore.Store
	published atomic.Int32
	prompts   []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memstore.New(nil)}
	_, err := f.store.CreateOrReplace(ctx, reviewID, info, []string{"quality", "security"})
	require.NoError(t, err)
	_, err = f.store.ConditionalCommit(ctx, reviewID, "abc", session.CompleteDomain("quality", "t1",
		[]session.FileResult{{FilePath: "main.go", Feedback: "Looks fine."}}))
	require.NoError(t, err)
	_, err = f.store.ConditionalCommit(ctx, reviewID, "abc", session.FailDomain("security", "t2", "model quota exhausted"))
	require.NoError(t, err)
	_, err = f.store.ConditionalCommit(ctx, reviewID, "abc", session.BeginConsolidation())
	require.NoError(t, err)
	return f
}

func (f *fixture) message(t *testing.T) dispatch.ConsolidationMessage {
	t.Helper()
	s, err := f.store.Read(context.Background(), reviewID)
	require.NoError(t, err)
	return dispatch.ConsolidationMessage{ReviewID: reviewID, PRInfo: s.PRInfo, FullData: s.Snapshot()}
}

func (f *fixture) model(doc string, err error) inference.Model {
	return inference.ModelFunc(func(_ context.Context, prompt string) (string, error) {
		f.prompts = append(f.prompts, prompt)
		return doc, err
	})
}

func (f *fixture) reporter(err error) report.Reporter {
	return report.Func(func(context.Context, session.PRInfo, string, string) error {
		f.published.Add(1)
		return err
	})
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := New(f.store, f.model("## Review\nAll good.", nil), f.reporter(nil), domain.Default())

	require.NoError(t, c.Run(ctx, f.message(t)))

	got, err := f.store.Read(ctx, reviewID)
	require.NoError(t, err)
	require.Equal(t, session.StatusComplete, got.Status)
	require.Equal(t, "## Review\nAll good.", got.FinalReport)
	require.Equal(t, int32(1), f.published.Load())
	require.Len(t, f.prompts, 1)
	require.Contains(t, f.prompts[0], "--- Security Report (FAILED) ---\nAnalysis failed: model quota exhausted")
	require.Contains(t, f.prompts[0], "File: main.go\nFeedback: Looks fine.")

	// A redelivered message finds the session complete and does nothing.
	require.NoError(t, c.Run(ctx, f.message(t)))
	require.Equal(t, int32(1), f.published.Load())
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name      string
		modelDoc  string
		modelErr  error
		reportErr error
		wantErr   string
	}{{
		name:     "model fails",
		modelErr: inference.NewFatal(errors.New("safety block")),
		wantErr:  "synthesizing report: fatal inference error: safety block",
	}, {
		name:     "empty document",
		modelDoc: "  \n",
		wantErr:  "synthesizing report: model returned an empty document",
	}, {
		name:      "publish fails",
		modelDoc:  "doc",
		reportErr: errors.New("403 Forbidden"),
		wantErr:   "publishing report: 403 Forbidden",
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			c := New(f.store, f.model(tt.modelDoc, tt.modelErr), f.reporter(tt.reportErr), domain.Default())

			require.NoError(t, c.Run(ctx, f.message(t)))

			got, err := f.store.Read(ctx, reviewID)
			require.NoError(t, err)
			require.Equal(t, session.StatusError, got.Status)
			require.Equal(t, tt.wantErr, got.FinalError)
			require.Empty(t, got.FinalReport)
		})
	}
}

// flakyStore fails the first failures commits with an infrastructure error.
type flakyStore struct {
	session.Store
	failures int32
	commits  atomic.Int32
}

func (s *flakyStore) ConditionalCommit(ctx context.Context, id, sha string, m session.Mutation) (*session.Session, error) {
	if s.commits.Add(1) <= s.failures {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.ConditionalCommit(ctx, id, sha, m)
}

func TestRunCompletionCommitErrors(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	tests := []struct {
		name       string
		failures   int32
		wantStatus session.Status
	}{{
		name:       "transient",
		failures:   2,
		wantStatus: session.StatusComplete,
	}, {
		name:       "persistent",
		failures:   100,
		wantStatus: session.StatusConsolidating,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			store := &flakyStore{Store: f.store, failures: tt.failures}
			c := New(store, f.model("doc", nil), f.reporter(nil), domain.Default(), WithRetryPolicy(policy))

			// A nil error acknowledges the message, so the report is not posted again.
			require.NoError(t, c.Run(ctx, f.message(t)))
			require.Equal(t, int32(1), f.published.Load())
			require.Equal(t, min(tt.failures+1, 3), store.commits.Load())

			got, err := f.store.Read(ctx, reviewID)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, got.Status)
		})
	}
}

func TestRunSkips(t *testing.T) {
	ctx := context.Background()

	t.Run("superseded revision", func(t *testing.T) {
		f := newFixture(t)
		msg := f.message(t)
		newer := info
		newer.HeadSHA = "def"
		_, err := f.store.CreateOrReplace(ctx, reviewID, newer, []string{"quality"})
		require.NoError(t, err)

		c := New(f.store, f.model("doc", nil), f.reporter(nil), domain.Default())
		require.NoError(t, c.Run(ctx, msg))
		require.Zero(t, f.published.Load())
		require.Empty(t, f.prompts)
	})

	t.Run("unknown review", func(t *testing.T) {
		f := &fixture{store: memstore.New(nil)}
		c := New(f.store, f.model("doc", nil), f.reporter(nil), domain.Default())
		require.NoError(t, c.Run(ctx, dispatch.ConsolidationMessage{ReviewID: reviewID, PRInfo: info}))
		require.Zero(t, f.published.Load())
	})

	t.Run("malformed message", func(t *testing.T) {
		f := newFixture(t)
		c := New(f.store, f.model("doc", nil), f.reporter(nil), domain.Default())
		require.NoError(t, c.Handle(ctx, []byte(`{"review_id":`)))
		require.Zero(t, f.published.Load())
	})
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := New(f.store, f.model("doc", nil), f.reporter(nil), domain.Default())

	data, err := json.Marshal(f.message(t))
	require.NoError(t, err)
	require.NoError(t, c.Handle(ctx, data))

	got, err := f.store.Read(ctx, reviewID)
	require.NoError(t, err)
	require.Equal(t, session.StatusComplete, got.Status)
	require.True(t, strings.HasPrefix(got.FinalReport, "doc"))
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReviewID(t *testing.T) {
	tests := []struct {
		repo string
		n    int
		want string
	}{
		{"o/r", 1, "o_r_1"},
		{"chainguard-dev/driftless", 42, "chainguard-dev_driftless_42"},
		{"weird/name/with/slashes", 3, "weird_name_with_slashes_3"},
	}
	for _, tt := range tests {
		if got := ReviewID(tt.repo, tt.n); got != tt.want {
			t.Errorf("ReviewID(%q, %d) = %q, want %q", tt.repo, tt.n, got, tt.want)
		}
	}
}

func TestPRInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		info    PRInfo
		wantErr bool
	}{{
		name: "valid",
		info: PRInfo{RepoFullName: "o/r", PRNumber: 1, HeadSHA: "abc"},
	}, {
		name:    "missing owner",
		info:    PRInfo{RepoFullName: "/r", PRNumber: 1, HeadSHA: "abc"},
		wantErr: true,
	}, {
		name:    "no slash",
		info:    PRInfo{RepoFullName: "repo", PRNumber: 1, HeadSHA: "abc"},
		wantErr: true,
	}, {
		name:    "zero number",
		info:    PRInfo{RepoFullName: "o/r", HeadSHA: "abc"},
		wantErr: true,
	}, {
		name:    "no sha",
		info:    PRInfo{RepoFullName: "o/r", PRNumber: 1},
		wantErr: true,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newTestSession() *Session {
	return New("o_r_1", PRInfo{RepoFullName: "o/r", PRNumber: 1, HeadSHA: "abc"},
		[]string{"quality", "security", "docs"}, time.Unix(0, 0))
}

func TestMutations(t *testing.T) {
	results := []FileResult{{FilePath: "a.go", Feedback: "fine"}}

	tests := []struct {
		name    string
		setup   func(*Session)
		mutate  Mutation
		wantErr error
		check   func(*testing.T, *Session)
	}{{
		name:   "complete domain counts",
		mutate: CompleteDomain("quality", "t1", results),
		check: func(t *testing.T, s *Session) {
			if s.TasksCompleted != 1 {
				t.Errorf("TasksCompleted = %d, want 1", s.TasksCompleted)
			}
			if diff := cmp.Diff(results, s.Domains["quality"].Results); diff != "" {
				t.Errorf("Results (-want +got):\n%s", diff)
			}
		},
	}, {
		name:   "failed domain still counts",
		mutate: FailDomain("security", "t1", "model unavailable"),
		check: func(t *testing.T, s *Session) {
			d := s.Domains["security"]
			if d.Status != DomainError || d.Error != "model unavailable" || s.TasksCompleted != 1 {
				t.Errorf("got %+v with %d completed", d, s.TasksCompleted)
			}
		},
	}, {
		name:    "unknown domain",
		mutate:  CompleteDomain("style", "t1", nil),
		wantErr: ErrInvalidTransition,
	}, {
		name:    "redelivered task",
		setup:   func(s *Session) { _ = CompleteDomain("docs", "t1", nil)(s) },
		mutate:  CompleteDomain("quality", "t1", nil),
		wantErr: ErrDuplicate,
	}, {
		name:    "domain already reported",
		setup:   func(s *Session) { _ = CompleteDomain("docs", "t1", nil)(s) },
		mutate:  FailDomain("docs", "t2", "late"),
		wantErr: ErrDuplicate,
	}, {
		name:    "session not pending",
		setup:   func(s *Session) { s.Status = StatusError },
		mutate:  CompleteDomain("docs", "t1", nil),
		wantErr: ErrInvalidTransition,
	}, {
		name:    "consolidation before all reported",
		setup:   func(s *Session) { _ = CompleteDomain("docs", "t1", nil)(s) },
		mutate:  BeginConsolidation(),
		wantErr: ErrInvalidTransition,
	}, {
		name: "consolidation once all reported",
		setup: func(s *Session) {
			_ = CompleteDomain("docs", "t1", nil)(s)
			_ = FailDomain("quality", "t2", "x")(s)
			_ = CompleteDomain("security", "t3", nil)(s)
		},
		mutate: BeginConsolidation(),
		check: func(t *testing.T, s *Session) {
			if s.Status != StatusConsolidating {
				t.Errorf("Status = %s, want consolidating", s.Status)
			}
		},
	}, {
		name:    "second consolidation flip",
		setup:   func(s *Session) { s.TasksCompleted, s.Status = 3, StatusConsolidating },
		mutate:  BeginConsolidation(),
		wantErr: ErrInvalidTransition,
	}, {
		name:    "finish requires consolidating",
		mutate:  Finish("report"),
		wantErr: ErrInvalidTransition,
	}, {
		name:   "finish",
		setup:  func(s *Session) { s.Status = StatusConsolidating },
		mutate: Finish("report"),
		check: func(t *testing.T, s *Session) {
			if s.Status != StatusComplete || s.FinalReport != "report" {
				t.Errorf("got status %s report %q", s.Status, s.FinalReport)
			}
		},
	}, {
		name:   "fail pending",
		mutate: Fail("dispatch failed"),
		check: func(t *testing.T, s *Session) {
			if s.Status != StatusError || s.FinalError != "dispatch failed" {
				t.Errorf("got status %s error %q", s.Status, s.FinalError)
			}
		},
	}, {
		name:    "fail terminal",
		setup:   func(s *Session) { s.Status = StatusComplete },
		mutate:  Fail("late"),
		wantErr: ErrInvalidTransition,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession()
			if tt.setup != nil {
				tt.setup(s)
			}
			err := tt.mutate(s)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("mutation error = %v, want %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestApply(t *testing.T) {
	current := newTestSession()
	now := time.Unix(100, 0)

	if _, err := Apply(current, "o_r_1", "other", CompleteDomain("docs", "t", nil), now); !errors.Is(err, ErrStale) {
		t.Errorf("Apply(stale) = %v, want ErrStale", err)
	}
	if _, err := Apply(nil, "o_r_1", "abc", CompleteDomain("docs", "t", nil), now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Apply(nil) = %v, want ErrNotFound", err)
	}

	next, err := Apply(current, "o_r_1", "abc", CompleteDomain("docs", "t", nil), now)
	if err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if current.TasksCompleted != 0 || current.Domains["docs"].Status != DomainPending {
		t.Error("Apply() mutated its input")
	}
	if next.TasksCompleted != 1 || !next.UpdatedAt.Equal(now) {
		t.Errorf("Apply() = %+v", next)
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestSession()
	_ = CompleteDomain("docs", "t1", []FileResult{{FilePath: "README.md", Feedback: "ok"}})(s)

	snap := s.Snapshot()
	snap.Domains["docs"].Results[0].Feedback = "changed"

	if got := s.Domains["docs"].Results[0].Feedback; got != "ok" {
		t.Errorf("Snapshot shares results with the session: %q", got)
	}
	if snap.PRInfo != s.PRInfo {
		t.Errorf("PRInfo = %+v, want %+v", snap.PRInfo, s.PRInfo)
	}
}

func TestFeed(t *testing.T) {
	var nilFeed *Feed
	nilFeed.Publish(context.Background(), Change{ReviewID: "x"})
	nilFeed.Wait()

	f := NewFeed()
	var calls atomic.Int32
	for range 3 {
		f.Subscribe(func(_ context.Context, c Change) {
			if c.ReviewID == "o_r_1" {
				calls.Add(1)
			}
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.Publish(ctx, Change{ReviewID: "o_r_1", HeadSHA: "abc", Status: StatusPending})
	cancel()
	f.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("handlers called %d times, want 3", got)
	}
}

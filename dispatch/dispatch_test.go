/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chainguard.dev/prreview/session"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	fail map[string]error
}

func (r *recorder) Publish(_ context.Context, topic string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[topic]; err != nil {
		return err
	}
	if r.msgs == nil {
		r.msgs = map[string][][]byte{}
	}
	r.msgs[topic] = append(r.msgs[topic], data)
	return nil
}

var info = session.PRInfo{RepoFullName: "o/r", PRNumber: 7, HeadSHA: "abc"}

func TestFanout(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	msgs, err := d.Fanout(context.Background(), "o_r_7", info, []string{"quality", "security", "docs"})
	if err != nil {
		t.Fatalf("Fanout() = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Fanout() returned %d messages", len(msgs))
	}

	ids := map[string]bool{}
	for _, m := range msgs {
		raw := rec.msgs[TaskTopic(m.Domain)]
		if len(raw) != 1 {
			t.Fatalf("topic %s got %d messages, want 1", TaskTopic(m.Domain), len(raw))
		}
		got, err := DecodeTask(raw[0])
		if err != nil {
			t.Fatalf("DecodeTask() = %v", err)
		}
		if diff := cmp.Diff(m, got); diff != "" {
			t.Errorf("published message (-want +got):\n%s", diff)
		}
		if ids[m.TaskID] {
			t.Errorf("task id %s reused", m.TaskID)
		}
		ids[m.TaskID] = true
	}
}

func TestFanoutPartialFailure(t *testing.T) {
	rec := &recorder{fail: map[string]error{TaskTopic("security"): errors.New("topic not found")}}
	d := New(rec)

	_, err := d.Fanout(context.Background(), "o_r_7", info, []string{"quality", "security", "docs"})
	if err == nil || !strings.Contains(err.Error(), "security") {
		t.Fatalf("Fanout() error = %v, want security failure", err)
	}
	if len(rec.msgs[TaskTopic("quality")]) != 1 || len(rec.msgs[TaskTopic("docs")]) != 1 {
		t.Error("a failing domain blocked the others")
	}
}

func TestConsolidate(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	s := session.New("o_r_7", info, []string{"docs", "security"}, time.Now())
	_ = session.CompleteDomain("docs", "t1", []session.FileResult{{FilePath: "README.md", Feedback: "ok"}})(s)
	_ = session.FailDomain("security", "t2", "model down")(s)

	if err := d.Consolidate(context.Background(), s); err != nil {
		t.Fatalf("Consolidate() = %v", err)
	}
	raw := rec.msgs[ConsolidationTopic]
	if len(raw) != 1 {
		t.Fatalf("got %d consolidation messages", len(raw))
	}
	if strings.Contains(string(raw[0]), "created_at") {
		t.Error("consolidation message carries timestamps")
	}
	got, err := DecodeConsolidation(raw[0])
	if err != nil {
		t.Fatalf("DecodeConsolidation() = %v", err)
	}
	want := ConsolidationMessage{ReviewID: "o_r_7", PRInfo: info, FullData: s.Snapshot()}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("consolidation message (-want +got):\n%s", diff)
	}
}

func TestDecodeTask(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"review_id":"o_r_7","task_id":"t","domain":"docs","pr_info":{"repo_full_name":"o/r","pr_number":7,"head_sha":"abc"}}`, false},
		{"not json", `{`, true},
		{"missing task id", `{"review_id":"o_r_7","domain":"docs","pr_info":{"repo_full_name":"o/r","pr_number":7,"head_sha":"abc"}}`, true},
		{"missing sha", `{"review_id":"o_r_7","task_id":"t","domain":"docs","pr_info":{"repo_full_name":"o/r","pr_number":7}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTask([]byte(tt.data)); (err != nil) != tt.wantErr {
				t.Errorf("DecodeTask() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

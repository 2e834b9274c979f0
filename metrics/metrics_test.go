/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"errors"
	"fmt"
	"testing"

	"chainguard.dev/prreview/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeCommitted},
		{fmt.Errorf("x: %w", session.ErrStale), OutcomeStale},
		{session.ErrDuplicate, OutcomeDuplicate},
		{session.ErrInvalidTransition, OutcomeInvalid},
		{errors.New("disk full"), OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRecordCommit(t *testing.T) {
	c := commits.WithLabelValues("worker", "complete_domain", OutcomeStale)
	before := testutil.ToFloat64(c)

	RecordCommit("worker", "complete_domain", session.ErrStale)
	RecordCommit("worker", "complete_domain", fmt.Errorf("wrapped: %w", session.ErrStale))

	if got := testutil.ToFloat64(c) - before; got != 2 {
		t.Errorf("stale commits = %v, want 2", got)
	}
}

func TestCountersAreRegistered(t *testing.T) {
	RecordConsolidation("triggered")
	RecordFile("docs", "analyzed")
	RecordDelivery("review-consolidation", "delivered")
	RecordEvent("opened", "accepted")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() = %v", err)
	}
	found := map[string]bool{}
	for _, family := range families {
		if family.GetType() == dto.MetricType_COUNTER {
			found[family.GetName()] = true
		}
	}
	for _, name := range []string{
		"prreview_consolidations_total",
		"prreview_files_total",
		"prreview_message_deliveries_total",
		"prreview_webhook_events_total",
	} {
		if !found[name] {
			t.Errorf("counter %s not registered", name)
		}
	}
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics holds the Prometheus counters of the review pipeline.
package metrics

import (
	"errors"

	"chainguard.dev/prreview/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Commit outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeStale     = "stale"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

var (
	commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prreview_session_commits_total",
			Help: "Conditional commits against review sessions, by component, mutation and outcome",
		},
		[]string{"component", "mutation", "outcome"},
	)

	consolidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prreview_consolidations_total",
			Help: "Consolidation lifecycle events",
		},
		[]string{"stage"},
	)

	files = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prreview_files_total",
			Help: "Files considered by analysis workers",
		},
		[]string{"domain", "outcome"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prreview_message_deliveries_total",
			Help: "Message channel delivery attempts",
		},
		[]string{"topic", "outcome"},
	)

	events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prreview_webhook_events_total",
			Help: "Pull request events received at ingestion",
		},
		[]string{"action", "outcome"},
	)
)

// Outcome classifies the error of a ConditionalCommit.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.Is(err, session.ErrStale):
		return OutcomeStale
	case errors.Is(err, session.ErrDuplicate):
		return OutcomeDuplicate
	case errors.Is(err, session.ErrInvalidTransition):
		return OutcomeInvalid
	}
	return OutcomeError
}

// RecordCommit counts one ConditionalCommit.
func RecordCommit(component, mutation string, err error) {
	commits.WithLabelValues(component, mutation, Outcome(err)).Inc()
}

// RecordConsolidation counts a consolidation stage such as "triggered",
// "dispatch_failed", "complete" or "error".
func RecordConsolidation(stage string) {
	consolidations.WithLabelValues(stage).Inc()
}

// RecordFile counts a file a worker analyzed, skipped or found unavailable.
func RecordFile(domain, outcome string) {
	files.WithLabelValues(domain, outcome).Inc()
}

// RecordDelivery counts a message delivery attempt outcome.
func RecordDelivery(topic, outcome string) {
	deliveries.WithLabelValues(topic, outcome).Inc()
}

// RecordEvent counts an ingested pull request event.
func RecordEvent(action, outcome string) {
	events.WithLabelValues(action, outcome).Inc()
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package dispatch defines the messages exchanged between the stages of a
// review and publishes them to per-domain channels.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ConsolidationTopic carries the single consolidation message of a session.
const ConsolidationTopic = "review-consolidation"

// TaskTopic is the channel of a domain's analysis tasks.
func TaskTopic(domain string) string {
	return "review-tasks-" + domain
}

// Publisher delivers a payload to a named channel, at least once.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// TaskMessage asks one domain's worker to analyze a revision. TaskID is
// unique per dispatch and makes redeliveries recognizable.
type TaskMessage struct {
	ReviewID string         `json:"review_id"`
	TaskID   string         `json:"task_id"`
	Domain   string         `json:"domain"`
	PRInfo   session.PRInfo `json:"pr_info"`
}

// Validate checks the fields a worker depends on.
func (m TaskMessage) Validate() error {
	switch {
	case m.ReviewID == "":
		return errors.New("review_id is required")
	case m.TaskID == "":
		return errors.New("task_id is required")
	case m.Domain == "":
		return errors.New("domain is required")
	}
	return m.PRInfo.Validate()
}

// ConsolidationMessage hands the gathered domain fields to the consolidator.
type ConsolidationMessage struct {
	ReviewID string           `json:"review_id"`
	PRInfo   session.PRInfo   `json:"pr_info"`
	FullData session.Snapshot `json:"full_data"`
}

// Validate checks the fields the consolidator depends on.
func (m ConsolidationMessage) Validate() error {
	if m.ReviewID == "" {
		return errors.New("review_id is required")
	}
	return m.PRInfo.Validate()
}

// DecodeTask parses and validates a TaskMessage.
func DecodeTask(data []byte) (TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding task message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("invalid task message: %w", err)
	}
	return m, nil
}

// DecodeConsolidation parses and validates a ConsolidationMessage.
func DecodeConsolidation(data []byte) (ConsolidationMessage, error) {
	var m ConsolidationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding consolidation message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("invalid consolidation message: %w", err)
	}
	return m, nil
}

// Dispatcher turns sessions into messages.
type Dispatcher struct {
	pub   Publisher
	newID func() string
}

// New returns a Dispatcher publishing through pub.
func New(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub, newID: uuid.NewString}
}

// Fanout publishes one task per domain, each to its own topic, and does not
// wait for workers. Every domain is attempted even if another fails; the
// returned error joins all publish failures.
func (d *Dispatcher) Fanout(ctx context.Context, reviewID string, info session.PRInfo, domains []string) ([]TaskMessage, error) {
	msgs := make([]TaskMessage, len(domains))
	for i, name := range domains {
		msgs[i] = TaskMessage{ReviewID: reviewID, TaskID: d.newID(), Domain: name, PRInfo: info}
	}

	errs := make([]error, len(msgs))
	var g errgroup.Group
	for i, m := range msgs {
		g.Go(func() error {
			data, err := json.Marshal(m)
			if err != nil {
				errs[i] = fmt.Errorf("encoding %s task: %w", m.Domain, err)
				return nil
			}
			if err := d.pub.Publish(ctx, TaskTopic(m.Domain), data); err != nil {
				errs[i] = fmt.Errorf("publishing %s task: %w", m.Domain, err)
				return nil
			}
			clog.FromContext(ctx).With("domain", m.Domain).With("task_id", m.TaskID).Info("Dispatched analysis task")
			return nil
		})
	}
	_ = g.Wait()
	return msgs, errors.Join(errs...)
}

// Consolidate publishes the consolidation message for s.
func (d *Dispatcher) Consolidate(ctx context.Context, s *session.Session) error {
	data, err := json.Marshal(ConsolidationMessage{
		ReviewID: s.ReviewID,
		PRInfo:   s.PRInfo,
		FullData: s.Snapshot(),
	})
	if err != nil {
		return fmt.Errorf("encoding consolidation message: %w", err)
	}
	if err := d.pub.Publish(ctx, ConsolidationTopic, data); err != nil {
		return fmt.Errorf("publishing consolidation message: %w", err)
	}
	return nil
}

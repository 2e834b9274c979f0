/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"fmt"
	"slices"
)

// CompleteDomain records a domain's results and counts the task.
func CompleteDomain(domain, taskID string, results []FileResult) Mutation {
	return func(s *Session) error {
		d, err := reportable(s, domain, taskID)
		if err != nil {
			return err
		}
		d.Status = DomainComplete
		d.Results = slices.Clone(results)
		d.Error = ""
		count(s, taskID)
		return nil
	}
}

// FailDomain records a domain failure. An errored domain still counts toward
// TasksCompleted so the review can be consolidated.
func FailDomain(domain, taskID, message string) Mutation {
	return func(s *Session) error {
		d, err := reportable(s, domain, taskID)
		if err != nil {
			return err
		}
		d.Status = DomainError
		d.Results = nil
		d.Error = message
		count(s, taskID)
		return nil
	}
}

// BeginConsolidation flips a fully reported pending session to
// consolidating. It fails with ErrInvalidTransition in every other case,
// which is what makes the flip happen at most once.
func BeginConsolidation() Mutation {
	return func(s *Session) error {
		switch {
		case s.Status != StatusPending:
			return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.Status)
		case !s.AllReported():
			return fmt.Errorf("%w: %d of %d tasks reported", ErrInvalidTransition, s.TasksCompleted, s.TotalTasks)
		}
		s.Status = StatusConsolidating
		return nil
	}
}

// Finish writes the final report and completes a consolidating session.
func Finish(report string) Mutation {
	return func(s *Session) error {
		if s.Status != StatusConsolidating {
			return fmt.Errorf("%w: cannot complete a %s session", ErrInvalidTransition, s.Status)
		}
		s.Status = StatusComplete
		s.FinalReport = report
		return nil
	}
}

// Fail moves a non-terminal session to error.
func Fail(message string) Mutation {
	return func(s *Session) error {
		if s.Status.Terminal() {
			return fmt.Errorf("%w: session is already %s", ErrInvalidTransition, s.Status)
		}
		s.Status = StatusError
		s.FinalError = message
		return nil
	}
}

func reportable(s *Session, domain, taskID string) (*DomainState, error) {
	d, ok := s.Domains[domain]
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: domain %q was not dispatched", ErrInvalidTransition, domain)
	case taskID != "" && slices.Contains(s.AppliedTasks, taskID):
		return nil, fmt.Errorf("%w: task %s", ErrDuplicate, taskID)
	case d.Status != DomainPending:
		return nil, fmt.Errorf("%w: domain %q is already %s", ErrDuplicate, domain, d.Status)
	case s.TasksCompleted >= s.TotalTasks:
		return nil, fmt.Errorf("%w: all %d tasks already reported", ErrDuplicate, s.TotalTasks)
	case s.Status != StatusPending:
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.Status)
	}
	return d, nil
}

func count(s *Session, taskID string) {
	s.TasksCompleted++
	if taskID != "" {
		s.AppliedTasks = append(s.AppliedTasks, taskID)
	}
}

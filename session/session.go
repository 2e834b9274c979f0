/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Status is the overall lifecycle state of a review session.
type Status string

const (
	StatusPending       Status = "pending"
	StatusConsolidating Status = "consolidating"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// DomainStatus is the state of one analysis domain within a session.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainComplete DomainStatus = "complete"
	DomainError    DomainStatus = "error"
)

// NoFilesPath is the file path of the sentinel record a worker commits when
// none of the changed files are relevant to its domain.
const NoFilesPath = "N/A"

// PRInfo is the immutable per-revision snapshot of a pull request. HeadSHA is
// the fencing token for the whole protocol.
type PRInfo struct {
	RepoFullName string `json:"repo_full_name"`
	PRNumber     int    `json:"pr_number"`
	HeadSHA      string `json:"head_sha"`
	BaseSHA      string `json:"base_sha,omitempty"`
	HeadRef      string `json:"head_ref,omitempty"`
	BaseRef      string `json:"base_ref,omitempty"`
	HTMLURL      string `json:"html_url,omitempty"`
}

// Owner returns the repository owner portion of RepoFullName.
func (p PRInfo) Owner() string {
	owner, _, _ := strings.Cut(p.RepoFullName, "/")
	return owner
}

// Repo returns the repository name portion of RepoFullName.
func (p PRInfo) Repo() string {
	_, repo, _ := strings.Cut(p.RepoFullName, "/")
	return repo
}

// Validate checks the fields every component relies on.
func (p PRInfo) Validate() error {
	switch {
	case p.Owner() == "" || p.Repo() == "":
		return fmt.Errorf("repo_full_name %q must be of the form owner/repo", p.RepoFullName)
	case p.PRNumber <= 0:
		return fmt.Errorf("pr_number must be positive, got %d", p.PRNumber)
	case p.HeadSHA == "":
		return fmt.Errorf("head_sha is required")
	}
	return nil
}

// ReviewID derives the stable session identifier for a pull request. It
// deliberately ignores the commit so that re-pushes reuse the same session.
func ReviewID(repoFullName string, prNumber int) string {
	return fmt.Sprintf("%s_%d", strings.ReplaceAll(repoFullName, "/", "_"), prNumber)
}

// FileResult is one per-file analysis record.
type FileResult struct {
	FilePath string `json:"file_path"`
	Feedback string `json:"feedback"`
}

// DomainState is the per-domain portion of a session.
type DomainState struct {
	Status  DomainStatus `json:"status"`
	Results []FileResult `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Session is the authoritative document for one review.
type Session struct {
	ReviewID       string                  `json:"review_id"`
	PRInfo         PRInfo                  `json:"pr_info"`
	Status         Status                  `json:"status"`
	Domains        map[string]*DomainState `json:"domains"`
	TasksCompleted int                     `json:"tasks_completed"`
	TotalTasks     int                     `json:"total_tasks"`
	FinalReport    string                  `json:"final_report,omitempty"`
	FinalError     string                  `json:"final_error,omitempty"`

	// AppliedTasks holds the dispatch tokens whose results have already been
	// committed, so a redelivered task cannot count twice.
	AppliedTasks []string `json:"applied_tasks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a freshly reset session for the given revision with every
// domain pending.
func New(reviewID string, info PRInfo, domains []string, now time.Time) *Session {
	s := &Session{
		ReviewID:   reviewID,
		PRInfo:     info,
		Status:     StatusPending,
		Domains:    make(map[string]*DomainState, len(domains)),
		TotalTasks: len(domains),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, d := range domains {
		s.Domains[d] = &DomainState{Status: DomainPending}
	}
	return s
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Domains = make(map[string]*DomainState, len(s.Domains))
	for name, d := range s.Domains {
		dc := *d
		dc.Results = slices.Clone(d.Results)
		out.Domains[name] = &dc
	}
	out.AppliedTasks = slices.Clone(s.AppliedTasks)
	return &out
}

// DomainNames returns the session's domains in sorted order.
func (s *Session) DomainNames() []string {
	return slices.Sorted(maps.Keys(s.Domains))
}

// AllReported reports whether every dispatched domain has been counted.
func (s *Session) AllReported() bool {
	return s.TasksCompleted >= s.TotalTasks
}

// Snapshot is the JSON-safe view of a session forwarded to the consolidator.
// It intentionally carries no timestamps.
type Snapshot struct {
	PRInfo  PRInfo                 `json:"pr_info"`
	Domains map[string]DomainState `json:"domains"`
}

// Snapshot captures the per-domain fields of s.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		PRInfo:  s.PRInfo,
		Domains: make(map[string]DomainState, len(s.Domains)),
	}
	for name, d := range s.Domains {
		dc := *d
		dc.Results = slices.Clone(d.Results)
		snap.Domains[name] = dc
	}
	return snap
}

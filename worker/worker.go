/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package worker runs one domain's analysis of a pull request revision and
// reports the outcome into the session store under the revision's fencing
// token.
package worker

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/prreview/dispatch"
	"chainguard.dev/prreview/domain"
	"chainguard.dev/prreview/inference"
	"chainguard.dev/prreview/metrics"
	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const component = "worker"

// DefaultConcurrency bounds the files of one task analyzed at once.
const DefaultConcurrency = 4

// Runner executes analysis tasks.
type Runner struct {
	store       session.Store
	fetcher     source.Fetcher
	model       inference.Model
	catalog     domain.Catalog
	concurrency int
}

// Option customizes a Runner.
type Option func(*Runner)

// WithConcurrency sets how many files of a task are analyzed in parallel.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New returns a Runner.
func New(store session.Store, fetcher source.Fetcher, model inference.Model, catalog domain.Catalog, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		fetcher:     fetcher,
		model:       model,
		catalog:     catalog,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is a bus.Handler for task topics. Undecodable messages are logged
// and acknowledged since redelivering them cannot help.
func (r *Runner) Handle(ctx context.Context, data []byte) error {
	msg, err := dispatch.DecodeTask(data)
	if err != nil {
		clog.FromContext(ctx).With("error", err).Error("Dropping malformed task message")
		return nil
	}
	return r.Run(ctx, msg)
}

// Run analyzes msg's domain and commits the results, or the failure, fenced
// on msg.PRInfo.HeadSHA. A stale or duplicate task is discarded. The
// returned error is non-nil only when the store could not be reached, so
// the message should be delivered again.
func (r *Runner) Run(ctx context.Context, msg dispatch.TaskMessage) error {
	log := clog.FromContext(ctx).With("review_id", msg.ReviewID).
		With("domain", msg.Domain).
		With("head_sha", msg.PRInfo.HeadSHA).
		With("task_id", msg.TaskID)
	ctx = clog.WithLogger(ctx, log)

	results, err := r.analyze(ctx, msg)
	if err != nil {
		log.With("error", err).Warn("Domain analysis failed")
		_, cerr := r.store.ConditionalCommit(ctx, msg.ReviewID, msg.PRInfo.HeadSHA,
			session.FailDomain(msg.Domain, msg.TaskID, err.Error()))
		metrics.RecordCommit(component, "fail_domain", cerr)
		if cerr != nil && !expected(log, cerr) {
			log.With("error", cerr).Error("Failed to record domain error")
		}
		return nil
	}

	_, err = r.store.ConditionalCommit(ctx, msg.ReviewID, msg.PRInfo.HeadSHA,
		session.CompleteDomain(msg.Domain, msg.TaskID, results))
	metrics.RecordCommit(component, "complete_domain", err)
	switch {
	case err == nil:
		log.With("files", len(results)).Info("Committed domain results")
	case expected(log, err):
	default:
		return fmt.Errorf("committing %s results: %w", msg.Domain, err)
	}
	return nil
}

// expected reports whether err is a fenced rejection. Those are logged here
// and never surface to the caller.
func expected(log *clog.Logger, err error) bool {
	switch {
	case errors.Is(err, session.ErrStale):
		log.With("error", err).Info("Discarding result for a superseded revision")
	case errors.Is(err, session.ErrDuplicate):
		log.With("error", err).Info("Discarding duplicate task result")
	case errors.Is(err, session.ErrInvalidTransition):
		log.With("error", err).Warn("Session no longer accepts domain results")
	default:
		return false
	}
	return true
}

func (r *Runner) analyze(ctx context.Context, msg dispatch.TaskMessage) (_ []session.FileResult, err error) {
	tr := otel.Tracer("chainguard.dev/prreview/worker",
		oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "review.domain_analysis", oteltrace.WithAttributes(
		attribute.String("review_id", msg.ReviewID),
		attribute.String("domain", msg.Domain),
		attribute.String("commit_sha", msg.PRInfo.HeadSHA),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	d, ok := r.catalog.Lookup(msg.Domain)
	if !ok {
		return nil, fmt.Errorf("unknown domain %q", msg.Domain)
	}

	changed, err := r.fetcher.ChangedFiles(ctx, msg.PRInfo)
	if err != nil {
		return nil, fmt.Errorf("listing changed files: %w", err)
	}
	var paths []string
	for _, p := range changed {
		if d.Matches(p) {
			paths = append(paths, p)
		}
	}
	span.SetAttributes(attribute.Int("files", len(paths)))
	if len(paths) == 0 {
		metrics.RecordFile(d.Name, "none")
		return []session.FileResult{{FilePath: session.NoFilesPath, Feedback: d.NoFilesMessage()}}, nil
	}

	results := make([]session.FileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, p := range paths {
		g.Go(func() error {
			feedback, err := r.analyzeFile(gctx, d, msg.PRInfo, p)
			if err != nil {
				return fmt.Errorf("analyzing %s: %w", p, err)
			}
			results[i] = session.FileResult{FilePath: p, Feedback: feedback}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) analyzeFile(ctx context.Context, d domain.Domain, info session.PRInfo, path string) (string, error) {
	content, err := r.fetcher.Content(ctx, info, path)
	switch {
	case errors.Is(err, source.ErrUnavailable):
		clog.FromContext(ctx).With("file", path).With("reason", err).Info("File contents unavailable")
		metrics.RecordFile(d.Name, "unavailable")
		return source.UnavailableMessage, nil
	case err != nil:
		return "", fmt.Errorf("fetching contents: %w", err)
	}

	prompt, err := d.Render(domain.Vars{
		Repo:     info.RepoFullName,
		PRNumber: info.PRNumber,
		HeadSHA:  info.HeadSHA,
		FilePath: path,
		Content:  content,
	})
	if err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	feedback, err := r.model.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	metrics.RecordFile(d.Name, "analyzed")
	return feedback, nil
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package consolidator synthesizes every domain's findings into a single
// review document, publishes it and completes the session.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"chainguard.dev/prreview/dispatch"
	"chainguard.dev/prreview/domain"
	"chainguard.dev/prreview/inference"
	"chainguard.dev/prreview/metrics"
	"chainguard.dev/prreview/report"
	"chainguard.dev/prreview/retry"
	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const component = "consolidator"

// Consolidator runs the final stage of a review.
type Consolidator struct {
	store    session.Store
	model    inference.Model
	reporter report.Reporter
	catalog  domain.Catalog
	policy   retry.Policy
}

// Option customizes a Consolidator.
type Option func(*Consolidator)

// WithRetryPolicy sets how the final commit is retried after the report has
// been published (default retry.Default()).
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Consolidator) { c.policy = p }
}

// New returns a Consolidator. The catalog orders and titles report sections.
func New(store session.Store, model inference.Model, reporter report.Reporter, catalog domain.Catalog, opts ...Option) *Consolidator {
	c := &Consolidator{store: store, model: model, reporter: reporter, catalog: catalog, policy: retry.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle is a bus.Handler for the consolidation topic.
func (c *Consolidator) Handle(ctx context.Context, data []byte) error {
	msg, err := dispatch.DecodeConsolidation(data)
	if err != nil {
		clog.FromContext(ctx).With("error", err).Error("Dropping malformed consolidation message")
		return nil
	}
	return c.Run(ctx, msg)
}

// Run produces and publishes the review document for msg and moves the
// session to complete, or to error when any step fails. Redelivery of a
// message whose session is already terminal, or has moved to a newer
// revision, is a no-op.
func (c *Consolidator) Run(ctx context.Context, msg dispatch.ConsolidationMessage) error {
	sha := msg.PRInfo.HeadSHA
	log := clog.FromContext(ctx).With("review_id", msg.ReviewID).With("head_sha", sha)
	ctx = clog.WithLogger(ctx, log)

	s, err := c.store.Read(ctx, msg.ReviewID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		log.Warn("Consolidation for unknown review")
		return nil
	case err != nil:
		return fmt.Errorf("reading session: %w", err)
	case s.PRInfo.HeadSHA != sha:
		log.With("current_sha", s.PRInfo.HeadSHA).Info("Discarding consolidation for a superseded revision")
		return nil
	case s.Status != session.StatusConsolidating:
		log.With("status", s.Status).Info("Session is not consolidating, skipping")
		return nil
	}

	document, err := c.produce(ctx, msg)
	if err != nil {
		log.With("error", err).Error("Consolidation failed")
		_, cerr := c.store.ConditionalCommit(ctx, msg.ReviewID, sha, session.Fail(err.Error()))
		metrics.RecordCommit(component, "fail", cerr)
		metrics.RecordConsolidation("error")
		if cerr != nil {
			log.With("error", cerr).Error("Failed to record consolidation error")
		}
		return nil
	}

	// The report is published. Completion errors are retried here and never
	// returned to the bus.
	_, err = retry.Do(ctx, c.policy.WithRetryable(unfenced), "completing session", func(ctx context.Context) (*session.Session, error) {
		return c.store.ConditionalCommit(ctx, msg.ReviewID, sha, session.Finish(document))
	})
	metrics.RecordCommit(component, "finish", err)
	switch {
	case err == nil:
		metrics.RecordConsolidation("complete")
		log.Info("Review complete")
	case !unfenced(err):
		log.With("reason", err).Warn("Published report but the session moved on")
	default:
		metrics.RecordConsolidation("unrecorded")
		log.With("error", err).Error("Published report but could not complete the session")
	}
	return nil
}

// unfenced reports whether a commit error is something other than a fencing
// or lookup rejection.
func unfenced(err error) bool {
	return !errors.Is(err, session.ErrStale) &&
		!errors.Is(err, session.ErrInvalidTransition) &&
		!errors.Is(err, session.ErrNotFound)
}

func (c *Consolidator) produce(ctx context.Context, msg dispatch.ConsolidationMessage) (_ string, err error) {
	tr := otel.Tracer("chainguard.dev/prreview/consolidator",
		oteltrace.WithInstrumentationVersion("1.0.0"))
	ctx, span := tr.Start(ctx, "review.consolidation", oteltrace.WithAttributes(
		attribute.String("review_id", msg.ReviewID),
		attribute.String("commit_sha", msg.PRInfo.HeadSHA),
		attribute.Int("domains", len(msg.FullData.Domains)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	document, err := c.model.Generate(ctx, SynthesisPrompt(RenderBody(msg.FullData, c.catalog)))
	if err != nil {
		return "", fmt.Errorf("synthesizing report: %w", err)
	}
	if strings.TrimSpace(document) == "" {
		return "", errors.New("synthesizing report: model returned an empty document")
	}
	if err := c.reporter.Publish(ctx, msg.PRInfo, msg.ReviewID, document); err != nil {
		return "", fmt.Errorf("publishing report: %w", err)
	}
	return document, nil
}

// RenderBody lays out the findings of every reported domain: file feedback
// for complete domains and the error text for failed ones. Domains follow
// catalog order, then any others by name.
func RenderBody(snap session.Snapshot, catalog domain.Catalog) string {
	var order []string
	for _, name := range catalog.Names() {
		if _, ok := snap.Domains[name]; ok {
			order = append(order, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(snap.Domains)) {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var b strings.Builder
	for _, name := range order {
		d := snap.Domains[name]
		heading := name
		if cd, ok := catalog.Lookup(name); ok {
			heading = cd.Heading()
		}
		switch d.Status {
		case session.DomainComplete:
			fmt.Fprintf(&b, "--- %s Report ---\n", heading)
			for _, r := range d.Results {
				fmt.Fprintf(&b, "File: %s\nFeedback: %s\n\n", r.FilePath, r.Feedback)
			}
		case session.DomainError:
			fmt.Fprintf(&b, "--- %s Report (FAILED) ---\n", heading)
			fmt.Fprintf(&b, "Analysis failed: %s\n\n", d.Error)
		}
	}
	return b.String()
}

// SynthesisPrompt asks the model for the final pull request comment.
func SynthesisPrompt(body string) string {
	return `You are a friendly and helpful AI code review co-pilot.
Your job is to synthesize all the feedback from your specialist agents into a single, clean, and encouraging Markdown comment for a pull request.

Start with a friendly opening, then present the findings grouped by category.
If a category's analysis FAILED, say so plainly and include its error so the author knows that part of the review is missing.
Use markdown formatting, bullet points, and code blocks for clarity.
End with a friendly closing.

Here is the raw data:
` + body
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package inference defines the text-generation collaborator used by
// workers and the consolidator, and the error kinds that drive retries.
package inference

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/prreview/retry"
)

// Model turns a prompt into generated text.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, prompt string) (string, error)

// Generate implements Model.
func (f ModelFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Kind distinguishes failures worth retrying from those that are not.
type Kind int

const (
	Fatal Kind = iota
	Retryable
)

func (k Kind) String() string {
	if k == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Error is returned by Model implementations to classify a failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s inference error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewRetryable wraps err as a retryable failure (rate limit, overload,
// transient server error).
func NewRetryable(err error) error {
	return &Error{Kind: Retryable, Err: err}
}

// NewFatal wraps err as a failure that must not be retried.
func NewFatal(err error) error {
	return &Error{Kind: Fatal, Err: err}
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Kind == Retryable
}

type retrying struct {
	model  Model
	policy retry.Policy
}

// WithRetry returns a Model that retries m under policy for retryable
// errors only. The policy's own predicate is replaced.
func WithRetry(m Model, policy retry.Policy) Model {
	return &retrying{model: m, policy: policy.WithRetryable(IsRetryable)}
}

func (r *retrying) Generate(ctx context.Context, prompt string) (string, error) {
	return retry.Do(ctx, r.policy, "generate", func(ctx context.Context) (string, error) {
		return r.model.Generate(ctx, prompt)
	})
}

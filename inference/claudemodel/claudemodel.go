/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package claudemodel implements inference.Model with Claude on Vertex AI.
package claudemodel

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"chainguard.dev/prreview/inference"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/vertex"
)

// Model generates text with a Claude model.
type Model struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	system      string
	usage       *inference.Usage
}

var _ inference.Model = (*Model)(nil)

// Option customizes a Model.
type Option func(*Model)

// WithMaxTokens bounds the response length (default 8192).
func WithMaxTokens(n int64) Option {
	return func(m *Model) { m.maxTokens = n }
}

// WithTemperature sets the sampling temperature (default 0.2).
func WithTemperature(t float64) Option {
	return func(m *Model) { m.temperature = t }
}

// WithSystem sets a system prompt.
func WithSystem(text string) Option {
	return func(m *Model) { m.system = text }
}

// New creates a model that authenticates to Vertex AI with Google
// application default credentials.
func New(ctx context.Context, projectID, region, model string, opts ...Option) *Model {
	return NewWithOptions(model, []option.RequestOption{vertex.WithGoogleAuth(ctx, region, projectID)}, opts...)
}

// NewWithOptions creates a model from raw client options, for example a
// direct API key and base URL. SDK retries are always disabled; wrap the
// model with inference.WithRetry instead.
func NewWithOptions(model string, clientOpts []option.RequestOption, opts ...Option) *Model {
	clientOpts = append(slices.Clone(clientOpts), option.WithMaxRetries(0))
	return NewWithClient(anthropic.NewClient(clientOpts...), model, opts...)
}

// NewWithClient wraps an existing client.
func NewWithClient(client anthropic.Client, model string, opts ...Option) *Model {
	m := &Model{
		client:      client,
		model:       model,
		maxTokens:   8192,
		temperature: 0.2,
		usage:       inference.NewUsage(inference.MeterName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generate implements inference.Model.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(m.temperature),
	}
	if m.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: m.system}}
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	m.usage.Record(ctx, m.model, message.Usage.InputTokens, message.Usage.OutputTokens)

	var sb strings.Builder
	for _, content := range message.Content {
		if content.Type == "text" {
			sb.WriteString(content.Text)
		}
	}
	if sb.Len() == 0 {
		return "", inference.NewFatal(errors.New("no text content in response"))
	}
	return sb.String(), nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
			return inference.NewRetryable(err)
		}
	}
	return inference.NewFatal(err)
}

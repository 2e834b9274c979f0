/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package googlemodel implements inference.Model with Gemini on Vertex AI.
package googlemodel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chainguard.dev/prreview/inference"
	"google.golang.org/genai"
)

// Model generates text with a Gemini model.
type Model struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
	usage  *inference.Usage
}

var _ inference.Model = (*Model)(nil)

// Option customizes a Model.
type Option func(*Model)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(m *Model) { m.config.Temperature = &t }
}

// WithMaxOutputTokens bounds the response length.
func WithMaxOutputTokens(n int32) Option {
	return func(m *Model) { m.config.MaxOutputTokens = n }
}

// WithSystemInstruction sets a system prompt.
func WithSystemInstruction(text string) Option {
	return func(m *Model) {
		m.config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}
}

// New creates a Vertex AI backed model in the given project and region.
func New(ctx context.Context, projectID, region, model string, opts ...Option) (*Model, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: region,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return NewWithClient(client, model, opts...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *genai.Client, model string, opts ...Option) *Model {
	m := &Model{
		client: client,
		model:  model,
		config: &genai.GenerateContentConfig{},
		usage:  inference.NewUsage(inference.MeterName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generate implements inference.Model.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(prompt), m.config)
	if err != nil {
		return "", classify(err)
	}
	if resp.UsageMetadata != nil {
		m.usage.Record(ctx, m.model, int64(resp.UsageMetadata.PromptTokenCount), int64(resp.UsageMetadata.CandidatesTokenCount))
	}
	text := resp.Text()
	if text == "" {
		return "", inference.NewFatal(errors.New("no content generated"))
	}
	return text, nil
}

// classify maps Vertex AI failures onto inference error kinds.
func classify(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	code := 0
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return inference.NewRetryable(err)
	case 0:
		if retryableMessage(err.Error()) {
			return inference.NewRetryable(err)
		}
	}
	return inference.NewFatal(err)
}

// retryableMessage recognizes transient failures that surface without a
// structured status code.
func retryableMessage(msg string) bool {
	for _, s := range []string{"Resource exhausted", "RESOURCE_EXHAUSTED", "rate limit", "Overloaded", "quota exceeded", "Internal error", "server error"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

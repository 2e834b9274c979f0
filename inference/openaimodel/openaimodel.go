/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package openaimodel implements inference.Model with OpenAI chat completions.
package openaimodel

import (
	"context"
	"errors"
	"net/http"

	"chainguard.dev/prreview/inference"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Model generates text with an OpenAI chat model.
type Model struct {
	client *openai.Client
	model  string
	usage  *inference.Usage
}

var _ inference.Model = (*Model)(nil)

// New creates a model authenticated with apiKey. Extra client options (for
// example option.WithBaseURL) are applied after the key. SDK retries are
// always disabled; wrap the model with inference.WithRetry instead.
func New(apiKey, model string, opts ...option.RequestOption) (*Model, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(append(clientOpts, option.WithMaxRetries(0))...)
	return &Model{
		client: &client,
		model:  model,
		usage:  inference.NewUsage(inference.MeterName),
	}, nil
}

// Generate implements inference.Model.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	completion, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(prompt),
				},
			},
		}},
	})
	if err != nil {
		return "", classify(err)
	}
	m.usage.Record(ctx, m.model, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", inference.NewFatal(errors.New("no content generated"))
	}
	return completion.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return inference.NewRetryable(err)
		}
	}
	return inference.NewFatal(err)
}

/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package inference

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the OpenTelemetry meter shared by every Model implementation.
const MeterName = "chainguard.dev/prreview/inference"

// Usage records token consumption. If a counter cannot be created it falls
// back to a no-op so that metrics never break generation.
type Usage struct {
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
}

// NewUsage creates counters on the named meter.
func NewUsage(meterName string) *Usage {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	promptTokens, err := meter.Int64Counter("genai.token.prompt",
		metric.WithDescription("The number of prompt tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create prompt tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		promptTokens = noop.Int64Counter{}
	}

	completionTokens, err := meter.Int64Counter("genai.token.completion",
		metric.WithDescription("The number of completion tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create completion tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		completionTokens = noop.Int64Counter{}
	}

	return &Usage{promptTokens: promptTokens, completionTokens: completionTokens}
}

// Record adds one call's token counts. A nil Usage is a no-op.
func (u *Usage) Record(ctx context.Context, model string, prompt, completion int64) {
	if u == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	u.promptTokens.Add(ctx, prompt, attrs)
	u.completionTokens.Add(ctx, completion, attrs)
}

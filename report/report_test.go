/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package report

import (
	"context"
	"errors"
	"testing"

	"chainguard.dev/prreview/session"
)

func TestMulti(t *testing.T) {
	var calls []string
	record := func(name string, err error) Reporter {
		return Func(func(_ context.Context, _ session.PRInfo, _, doc string) error {
			calls = append(calls, name+":"+doc)
			return err
		})
	}
	boom := errors.New("boom")

	tests := []struct {
		name      string
		m         Multi
		wantCalls int
		wantErr   error
	}{{
		name:      "all succeed",
		m:         Multi{record("a", nil), record("b", nil)},
		wantCalls: 2,
	}, {
		name:      "stops at first failure",
		m:         Multi{record("a", boom), record("b", nil)},
		wantCalls: 1,
		wantErr:   boom,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls = nil
			err := tt.m.Publish(context.Background(), session.PRInfo{}, "r", "doc")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() = %v, want %v", err, tt.wantErr)
			}
			if len(calls) != tt.wantCalls {
				t.Errorf("calls = %v, want %d", calls, tt.wantCalls)
			}
		})
	}

	if err := (Multi{}).Publish(context.Background(), session.PRInfo{}, "r", "doc"); err == nil {
		t.Error("empty Multi published")
	}
}

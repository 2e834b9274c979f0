/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"net/http"

	"chainguard.dev/prreview/inference"
	"chainguard.dev/prreview/inference/claudemodel"
	"chainguard.dev/prreview/inference/googlemodel"
	"chainguard.dev/prreview/inference/openaimodel"
	"chainguard.dev/prreview/report"
	"chainguard.dev/prreview/report/gcsarchive"
	"chainguard.dev/prreview/report/githubcomment"
	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/session/memstore"
	"chainguard.dev/prreview/session/sqlstore"
	"chainguard.dev/prreview/source"
	"chainguard.dev/prreview/source/githubsource"
	"chainguard.dev/prreview/source/gitsource"
	"cloud.google.com/go/compute/metadata"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

func newStore(ctx context.Context, cfg config, feed *session.Feed) (session.Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		clog.WarnContextf(ctx, "Using the in-memory session store, sessions do not survive restarts")
		return memstore.New(feed), func() {}, nil
	case sqlstore.DriverSQLite, sqlstore.DriverMySQL:
		if cfg.StoreDSN == "" {
			return nil, nil, fmt.Errorf("STORE_DSN is required for STORE_DRIVER=%s", cfg.StoreDriver)
		}
		s, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN, feed)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// installationTokens adapts a GitHub App installation transport to
// oauth2.TokenSource for git clones.
type installationTokens struct {
	ctx context.Context
	tr  *ghinstallation.Transport
}

func (t installationTokens) Token() (*oauth2.Token, error) {
	tok, err := t.tr.Token(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("getting installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: tok}, nil
}

func newGitHubClient(ctx context.Context, cfg config) (*github.Client, oauth2.TokenSource, error) {
	switch {
	case cfg.AppID != 0:
		tr, err := ghinstallation.New(http.DefaultTransport, cfg.AppID, cfg.InstallationID, []byte(cfg.PrivateKey))
		if err != nil {
			return nil, nil, fmt.Errorf("creating installation transport: %w", err)
		}
		clog.InfoContextf(ctx, "Using GitHub App %d installation %d", cfg.AppID, cfg.InstallationID)
		return github.NewClient(&http.Client{Transport: tr}), installationTokens{ctx: ctx, tr: tr}, nil
	case cfg.GitHubToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		return github.NewClient(oauth2.NewClient(ctx, ts)), ts, nil
	}
	clog.WarnContextf(ctx, "No GitHub credentials configured, using unauthenticated API access")
	return github.NewClient(nil), nil, nil
}

func newFetcher(cfg config, gh *github.Client, ts oauth2.TokenSource) (source.Fetcher, func()) {
	api := githubsource.New(gh, githubsource.WithMaxFileBytes(cfg.MaxFileBytes))
	if !cfg.AllowCloneFallback {
		return api, func() {}
	}
	opts := []gitsource.Option{gitsource.WithMaxFileBytes(cfg.MaxFileBytes)}
	if ts != nil {
		opts = append(opts, gitsource.WithTokenSource(ts))
	}
	clones := gitsource.New(opts...)
	return source.Fallback{Primary: api, Secondary: clones}, func() { _ = clones.Close() }
}

// newModels returns the per-file analysis model and the synthesis model,
// both retrying retryable failures.
func newModels(ctx context.Context, cfg config) (inference.Model, inference.Model, error) {
	synthName := cfg.SynthesisModel
	if synthName == "" {
		synthName = cfg.Model
	}

	projectID := cfg.GCPProjectID
	if projectID == "" && cfg.ModelProvider != "openai" {
		id, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("GCP_PROJECT_ID is unset and the metadata server is unavailable: %w", err)
		}
		projectID = id
	}

	build := func(name string) (inference.Model, error) {
		switch cfg.ModelProvider {
		case "gemini":
			return googlemodel.New(ctx, projectID, cfg.GCPRegion, name)
		case "claude":
			return claudemodel.New(ctx, projectID, cfg.GCPRegion, name), nil
		case "openai":
			return openaimodel.New(cfg.OpenAIAPIKey, name)
		}
		return nil, fmt.Errorf("unknown MODEL_PROVIDER %q", cfg.ModelProvider)
	}

	model, err := build(cfg.Model)
	if err != nil {
		return nil, nil, err
	}
	synth, err := build(synthName)
	if err != nil {
		return nil, nil, err
	}
	return inference.WithRetry(model, cfg.retryPolicy()), inference.WithRetry(synth, cfg.retryPolicy()), nil
}

// newReporter posts reviews as pull request comments and, when a bucket is
// configured, archives them first.
func newReporter(ctx context.Context, cfg config, gh *github.Client) (report.Reporter, func(), error) {
	comments := githubcomment.New(gh)
	if cfg.ReportBucket == "" {
		return comments, func() {}, nil
	}
	archive, err := gcsarchive.New(ctx, cfg.ReportBucket)
	if err != nil {
		return nil, nil, err
	}
	return report.Multi{archive, comments}, func() { _ = archive.Close() }, nil
}

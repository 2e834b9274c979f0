/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the pull request reviewer: it receives GitHub webhooks,
// fans each revision out to the analysis domains and posts the
// consolidated review.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainguard.dev/prreview/bus"
	"chainguard.dev/prreview/bus/push"
	"chainguard.dev/prreview/domain"
	"chainguard.dev/prreview/ingest"
	"chainguard.dev/prreview/retry"
	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/chainguard-dev/terraform-infra-common/pkg/httpmetrics"
	"github.com/chainguard-dev/terraform-infra-common/pkg/profiler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"google.golang.org/api/idtoken"
)

type config struct {
	Port        int `env:"PORT,default=8080"`
	MetricsPort int `env:"METRICS_PORT,default=2112"`

	// GitHub access: a token, or a GitHub App installation.
	WebhookSecret  string `env:"GITHUB_WEBHOOK_SECRET"`
	GitHubToken    string `env:"GITHUB_TOKEN"`
	AppID          int64  `env:"GITHUB_APP_ID"`
	InstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	PrivateKey     string `env:"GITHUB_PRIVATE_KEY"`

	StoreDriver string `env:"STORE_DRIVER,default=memory"`
	StoreDSN    string `env:"STORE_DSN"`
	DomainsFile string `env:"DOMAINS_FILE"`

	// Inference configuration
	ModelProvider  string `env:"MODEL_PROVIDER,default=gemini"`
	Model          string `env:"MODEL,default=gemini-2.5-flash"`
	SynthesisModel string `env:"SYNTHESIS_MODEL"`
	GCPProjectID   string `env:"GCP_PROJECT_ID"`
	GCPRegion      string `env:"GCP_REGION,default=us-central1"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`

	MaxFileBytes       int64  `env:"MAX_FILE_BYTES,default=1048576"`
	AllowCloneFallback bool   `env:"ALLOW_CLONE_FALLBACK,default=false"`
	ReportBucket       string `env:"REPORT_BUCKET"`
	WorkerConcurrency  int    `env:"WORKER_CONCURRENCY,default=4"`

	// Message transport: in-process, or pushed over HTTP to PUSH_ENDPOINT.
	Transport    string `env:"TRANSPORT,default=inprocess"`
	PushEndpoint string `env:"PUSH_ENDPOINT"`
	PushAudience string `env:"PUSH_AUDIENCE"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=1s"`
}

func (c config) retryPolicy() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = c.RetryMaxAttempts
	p.BaseDelay = c.RetryBaseDelay
	return p
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go httpmetrics.ScrapeDiskUsage(ctx)
	profiler.SetupProfiler()
	defer httpmetrics.SetupTracer(ctx)()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}
	if err := cfg.retryPolicy().Validate(); err != nil {
		clog.FatalContextf(ctx, "invalid retry configuration: %v", err)
	}

	catalog, err := domain.Load(cfg.DomainsFile)
	if err != nil {
		clog.FatalContextf(ctx, "loading domains: %v", err)
	}
	clog.InfoContextf(ctx, "Reviewing domains %v", catalog.Names())

	feed := session.NewFeed()
	store, closeStore, err := newStore(ctx, cfg, feed)
	if err != nil {
		clog.FatalContextf(ctx, "opening session store: %v", err)
	}
	defer closeStore()

	gh, ts, err := newGitHubClient(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "creating GitHub client: %v", err)
	}
	fetcher, closeFetcher := newFetcher(cfg, gh, ts)
	defer closeFetcher()

	model, synth, err := newModels(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "creating models: %v", err)
	}

	reporter, closeReporter, err := newReporter(ctx, cfg, gh)
	if err != nil {
		clog.FatalContextf(ctx, "creating reporter: %v", err)
	}
	defer closeReporter()

	local := bus.New(bus.WithRedelivery(cfg.retryPolicy()))
	defer local.Close()

	p := pipeline{
		store:       store,
		feed:        feed,
		fetcher:     fetcher,
		model:       model,
		synth:       synth,
		reporter:    reporter,
		catalog:     catalog,
		local:       local,
		concurrency: cfg.WorkerConcurrency,
	}

	mux := http.NewServeMux()
	switch cfg.Transport {
	case "inprocess":
	case "push":
		if cfg.PushEndpoint == "" {
			clog.FatalContextf(ctx, "PUSH_ENDPOINT is required when TRANSPORT=push")
		}
		opts := []push.PublisherOption{push.WithRetryPolicy(cfg.retryPolicy())}
		var ropts []push.ReceiverOption
		if cfg.PushAudience != "" {
			ts, err := idtoken.NewTokenSource(ctx, cfg.PushAudience)
			if err != nil {
				clog.FatalContextf(ctx, "creating push token source: %v", err)
			}
			opts = append(opts, push.WithTokenSource(ts))
			ropts = append(ropts, push.WithAudience(cfg.PushAudience))
		}
		p.outbound = push.NewPublisher(cfg.PushEndpoint, opts...)
		push.NewReceiver(local, ropts...).Register(mux)
	default:
		clog.FatalContextf(ctx, "unknown TRANSPORT %q", cfg.Transport)
	}

	if cfg.WebhookSecret == "" {
		clog.WarnContextf(ctx, "GITHUB_WEBHOOK_SECRET is not set, webhook signatures will not be verified")
	}
	ingest.NewWebhook(wire(p), []byte(cfg.WebhookSecret)).Register(mux)

	go serveMetrics(ctx, cfg.MetricsPort)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpmetrics.Handler("reviewer", mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	clog.InfoContextf(ctx, "Starting reviewer on port %d (store=%s, model=%s/%s, transport=%s)",
		cfg.Port, cfg.StoreDriver, cfg.ModelProvider, cfg.Model, cfg.Transport)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.FatalContextf(ctx, "server failed: %v", err)
	}
	feed.Wait()
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.ErrorContextf(ctx, "metrics server failed: %v", err)
	}
}

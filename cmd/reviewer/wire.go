/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"chainguard.dev/prreview/bus"
	"chainguard.dev/prreview/consolidator"
	"chainguard.dev/prreview/dispatch"
	"chainguard.dev/prreview/domain"
	"chainguard.dev/prreview/inference"
	"chainguard.dev/prreview/ingest"
	"chainguard.dev/prreview/report"
	"chainguard.dev/prreview/session"
	"chainguard.dev/prreview/source"
	"chainguard.dev/prreview/watcher"
	"chainguard.dev/prreview/worker"
)

// pipeline holds the collaborators of one reviewer process. Every field is
// constructed once in main and shared by all components.
type pipeline struct {
	store    session.Store
	feed     *session.Feed
	fetcher  source.Fetcher
	model    inference.Model
	synth    inference.Model
	reporter report.Reporter
	catalog  domain.Catalog

	// local delivers messages to this process's workers and consolidator.
	local *bus.Bus
	// outbound carries dispatched messages; it is local unless messages are
	// pushed to a peer.
	outbound dispatch.Publisher

	concurrency int
}

// wire subscribes the watcher to store changes and the workers and
// consolidator to their topics, and returns the ingestion entry point.
func wire(p pipeline) *ingest.Ingestor {
	out := p.outbound
	if out == nil {
		out = p.local
	}
	d := dispatch.New(out)

	p.feed.Subscribe(watcher.New(p.store, d).OnChange)

	runner := worker.New(p.store, p.fetcher, p.model, p.catalog, worker.WithConcurrency(p.concurrency))
	for _, name := range p.catalog.Names() {
		p.local.Subscribe(dispatch.TaskTopic(name), runner.Handle)
	}
	p.local.Subscribe(dispatch.ConsolidationTopic, consolidator.New(p.store, p.synth, p.reporter, p.catalog).Handle)

	return ingest.New(p.store, d, p.catalog)
}

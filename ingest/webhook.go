/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ingest

import (
	"encoding/json"
	"errors"
	"net/http"

	"chainguard.dev/prreview/session"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// Webhook serves the GitHub webhook endpoint and a health check.
type Webhook struct {
	ingestor *Ingestor
	secret   []byte
}

// NewWebhook returns a Webhook verifying deliveries against secret. An empty
// secret disables signature verification.
func NewWebhook(ingestor *Ingestor, secret []byte) *Webhook {
	return &Webhook{ingestor: ingestor, secret: secret}
}

// Register mounts the webhook routes on mux.
func (h *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.health)
	mux.HandleFunc("POST /webhook", h.receive)
}

func (h *Webhook) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "PR reviewer is running"})
}

func (h *Webhook) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		log.With("error", err).Warn("Rejected webhook delivery")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		log.With("error", err).Warn("Unparseable webhook payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	pre, ok := event.(*github.PullRequestEvent)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s, err := h.ingestor.Ingest(ctx, EventFromGitHub(pre))
	switch {
	case errors.Is(err, ErrIgnored):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrInvalidEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil && s == nil:
		log.With("error", err).Error("Ingesting pull request event failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "review_id": s.ReviewID, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "review_id": s.ReviewID})
	}
}

// EventFromGitHub extracts the review-relevant fields of a webhook event.
func EventFromGitHub(e *github.PullRequestEvent) Event {
	pr := e.GetPullRequest()
	number := e.GetNumber()
	if number == 0 {
		number = pr.GetNumber()
	}
	return Event{
		Action: e.GetAction(),
		PRInfo: session.PRInfo{
			RepoFullName: e.GetRepo().GetFullName(),
			PRNumber:     number,
			HeadSHA:      pr.GetHead().GetSHA(),
			BaseSHA:      pr.GetBase().GetSHA(),
			HeadRef:      pr.GetHead().GetRef(),
			BaseRef:      pr.GetBase().GetRef(),
			HTMLURL:      pr.GetHTMLURL(),
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

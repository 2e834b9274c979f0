/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package push carries messages between processes as HTTP push requests in
// the Pub/Sub push envelope format.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chainguard.dev/prreview/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

// MaxPayloadBytes bounds the data of a single message.
const MaxPayloadBytes = 200 * 1024

// ErrTooLarge is returned for messages above MaxPayloadBytes. Such messages
// are rejected rather than truncated.
var ErrTooLarge = errors.New("message payload too large")

// Envelope is the body of a push request.
type Envelope struct {
	Message      Message `json:"message"`
	Subscription string  `json:"subscription"`
}

// Message is a single pushed message. Data is base64 in JSON.
type Message struct {
	Data        []byte            `json:"data"`
	MessageID   string            `json:"messageId"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime time.Time         `json:"publishTime"`
}

// Path is the route a topic is pushed to.
func Path(topic string) string {
	return "/push/" + topic
}

// statusError is a non-2xx push response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("push endpoint returned %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Transport failures (connection refused, reset) carry no status.
	return !errors.Is(err, ErrTooLarge) && !errors.Is(err, context.Canceled)
}

// Publisher pushes messages to a remote Receiver.
type Publisher struct {
	endpoint    string
	client      *http.Client
	policy      retry.Policy
	tokenSource oauth2.TokenSource
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) PublisherOption {
	return func(p *Publisher) { p.client = c }
}

// WithRetryPolicy overrides retry.Default for transient push failures.
func WithRetryPolicy(policy retry.Policy) PublisherOption {
	return func(p *Publisher) { p.policy = policy }
}

// WithTokenSource attaches a bearer token (typically a Google ID token) to
// every push.
func WithTokenSource(ts oauth2.TokenSource) PublisherOption {
	return func(p *Publisher) { p.tokenSource = ts }
}

// NewPublisher pushes to endpoint, the base URL of a Receiver.
func NewPublisher(endpoint string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   http.DefaultClient,
		policy:   retry.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.policy.Retryable = retryable
	return p
}

// Publish implements dispatch.Publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), MaxPayloadBytes)
	}
	body, err := json.Marshal(Envelope{
		Message: Message{
			Data:        data,
			MessageID:   uuid.NewString(),
			Attributes:  map[string]string{"topic": topic},
			PublishTime: time.Now().UTC(),
		},
		Subscription: topic,
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	_, err = retry.Do(ctx, p.policy, "push "+topic, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.post(ctx, topic, body)
	})
	return err
}

func (p *Publisher) post(ctx context.Context, topic string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+Path(topic), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.tokenSource != nil {
		tok, err := p.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("getting push token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return nil
}

// Forwarder hands a received message to local delivery.
type Forwarder interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Receiver accepts pushed messages and forwards them to local subscribers.
// It acknowledges as soon as the message is accepted for delivery, so the
// sender never waits on the handler.
type Receiver struct {
	forward  Forwarder
	audience string
	validate func(ctx context.Context, token, audience string) error
}

// ReceiverOption customizes a Receiver.
type ReceiverOption func(*Receiver)

// WithAudience requires a Google-signed ID token for audience on every push.
func WithAudience(audience string) ReceiverOption {
	return func(r *Receiver) { r.audience = audience }
}

// NewReceiver returns a Receiver forwarding to f.
func NewReceiver(f Forwarder, opts ...ReceiverOption) *Receiver {
	r := &Receiver{forward: f, validate: validateIDToken}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validateIDToken(ctx context.Context, token, audience string) error {
	_, err := idtoken.Validate(ctx, token, audience)
	return err
}

// Register mounts the receiver's route on mux.
func (r *Receiver) Register(mux *http.ServeMux) {
	mux.Handle("POST /push/{topic}", r)
}

// ServeHTTP implements http.Handler.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	topic := req.PathValue("topic")
	log := clog.FromContext(ctx).With("topic", topic)

	if r.audience != "" {
		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := r.validate(ctx, token, r.audience); err != nil {
			log.With("error", err).Warn("Rejected push with invalid token")
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
	}

	var env Envelope
	if err := json.NewDecoder(io.LimitReader(req.Body, 2*MaxPayloadBytes)).Decode(&env); err != nil {
		log.With("error", err).Warn("Malformed push envelope")
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if topic == "" {
		topic = env.Message.Attributes["topic"]
	}

	if err := r.forward.Publish(ctx, topic, env.Message.Data); err != nil {
		log.With("message_id", env.Message.MessageID).With("error", err).Error("Forwarding pushed message failed")
		http.Error(w, "forwarding failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

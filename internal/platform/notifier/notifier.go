// Package notifier delivers outbound event notifications for access
// requests and proposal decisions. Delivery is fire-and-forget: failures
// are logged, never surfaced to the request that triggered the event.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the service.
const (
	EventCriticalRequested = "access.critical.requested"
	EventCriticalApproved  = "access.critical.approved"
	EventCriticalRejected  = "access.critical.rejected"
	EventProposalSubmitted = "proposal.submitted"
	EventProposalApproved  = "proposal.approved"
	EventProposalRejected  = "proposal.rejected"
	EventRecordAccessed    = "record.accessed"
)

// Event is the JSON body delivered to the webhook endpoint.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Notifier emits events. Implementations must not block the caller on
// delivery.
type Notifier interface {
	Emit(eventType string, data map[string]interface{})
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the
// given secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the
// HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookNotifier POSTs signed events to a single configured endpoint.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebhookNotifier creates a notifier delivering to url. Payloads are
// signed with secret via the X-Webhook-Signature header.
func NewWebhookNotifier(url, secret string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Emit delivers the event in a detached goroutine. The caller's context is
// never used so that request cancellation does not drop notifications.
func (n *WebhookNotifier) Emit(eventType string, data map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		n.deliver(ctx, event)
	}()
}

func (n *WebhookNotifier) deliver(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error().Err(err).Str("event_type", event.Type).Msg("marshal webhook event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error().Err(err).Str("event_type", event.Type).Msg("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, n.secret))
	req.Header.Set("X-Webhook-Timestamp", event.Timestamp.Format(time.RFC3339))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error().Err(err).Str("event_type", event.Type).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn().
			Str("event_type", event.Type).
			Int("status", resp.StatusCode).
			Msg("webhook endpoint returned non-success")
		return
	}

	n.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Msg("webhook delivered")
}

// NopNotifier discards all events. Used when no webhook URL is configured.
type NopNotifier struct{}

func (NopNotifier) Emit(string, map[string]interface{}) {}

// Recorder captures emitted events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(eventType string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Events returns a copy of all captured events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// EventsOfType returns captured events matching the given type.
func (r *Recorder) EventsOfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

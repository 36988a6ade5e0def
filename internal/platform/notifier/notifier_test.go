package notifier

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSignPayload_Deterministic(t *testing.T) {
	payload := []byte(`{"type":"access.critical.requested"}`)
	s1 := SignPayload(payload, "secret-key")
	s2 := SignPayload(payload, "secret-key")
	if s1 != s2 {
		t.Error("signature must be deterministic")
	}
	if len(s1) != 64 {
		t.Errorf("expected hex sha256 length 64, got %d", len(s1))
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := SignPayload(payload, "secret-key")

	if !VerifySignature(payload, "secret-key", sig) {
		t.Error("valid signature should verify")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Error("wrong secret should not verify")
	}
	if VerifySignature(payload, "secret-key", "bad") {
		t.Error("bad signature should not verify")
	}
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret-key", zerolog.Nop())
	n.Emit(EventCriticalRequested, map[string]interface{}{"grant_id": "g1"})

	select {
	case req := <-received:
		body := <-bodies

		sig := req.Header.Get("X-Webhook-Signature")
		if len(sig) < 8 || sig[:7] != "sha256=" {
			t.Fatalf("missing or malformed signature header: %q", sig)
		}
		if !VerifySignature(body, "secret-key", sig[7:]) {
			t.Error("delivered payload signature does not verify")
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.Type != EventCriticalRequested {
			t.Errorf("wrong event type: %s", event.Type)
		}
		if event.Data["grant_id"] != "g1" {
			t.Errorf("wrong event data: %v", event.Data)
		}
		if event.ID == "" {
			t.Error("event must carry an ID")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Emit(EventProposalSubmitted, map[string]interface{}{"proposal_id": "p1"})
	r.Emit(EventProposalApproved, map[string]interface{}{"proposal_id": "p1"})

	if got := len(r.Events()); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
	approved := r.EventsOfType(EventProposalApproved)
	if len(approved) != 1 || approved[0].Data["proposal_id"] != "p1" {
		t.Errorf("wrong filtered events: %v", approved)
	}
}

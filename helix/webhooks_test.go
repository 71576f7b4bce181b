package helix

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/gofiber/fiber/v2"
	cmap "github.com/pmrt/concurrent-map/v3"
)

var secret = []byte("thisisanososecretsecret")

func sign(secret []byte, id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte(ts))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookHeadersValidation(t *testing.T) {
	t.Parallel()

	const (
		id = "f1c2a387-161a-49f9-a165-0f21d7a4e1c4"
		ts = "2019-11-16T10:11:12.123Z"
	)
	body := []byte("{body:1}")
	sig := sign(secret, id, ts, body)

	tests := []struct {
		name  string
		input *WebhookHeaders
		want  bool
	}{
		{
			name:  "valid",
			input: &WebhookHeaders{ID: id, Timestamp: ts, Signature: sig, Body: body},
			want:  true,
		},
		{
			name:  "mutated body",
			input: &WebhookHeaders{ID: id, Timestamp: ts, Signature: sig, Body: []byte("{body:2}")},
			want:  false,
		},
		{
			name:  "mutated timestamp",
			input: &WebhookHeaders{ID: id, Timestamp: "2019-11-16T10:11:12.124Z", Signature: sig, Body: body},
			want:  false,
		},
		{
			name:  "mutated id",
			input: &WebhookHeaders{ID: "f1c2a387-161a-49f9-a165-1f21d7a4e1c4", Timestamp: ts, Signature: sig, Body: body},
			want:  false,
		},
		{
			name:  "mutated signature",
			input: &WebhookHeaders{ID: id, Timestamp: ts, Signature: sig[:len(sig)-1] + "x", Body: body},
			want:  false,
		},
		{
			name:  "missing signature",
			input: &WebhookHeaders{ID: id, Timestamp: ts, Body: body},
			want:  false,
		},
		{
			name:  "missing id",
			input: &WebhookHeaders{Timestamp: ts, Signature: sig, Body: body},
			want:  false,
		},
		{
			name:  "missing timestamp",
			input: &WebhookHeaders{ID: id, Signature: sig, Body: body},
			want:  false,
		},
	}

	for _, test := range tests {
		got := test.input.Valid(secret)
		if got != test.want {
			t.Fatalf("%s: got %t, want %t", test.name, got, test.want)
		}
	}
}

func TestWebhookHeadersStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2022, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ts   string
		want bool
	}{
		{"fresh", "2022-08-01T11:59:00Z", false},
		{"old", "2022-08-01T11:54:59Z", true},
		{"unparseable", "not-a-timestamp", true},
	}
	for _, test := range tests {
		h := &WebhookHeaders{Timestamp: test.ts}
		if got := h.Stale(DefaultStalenessThreshold, now); got != test.want {
			t.Fatalf("%s: got %t, want %t", test.name, got, test.want)
		}
	}
}

// expectStatusNoBody asserts a rejection response: the right status code and
// nothing in the body, not even the status message.
func expectStatusNoBody(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != status {
		t.Fatalf("expected status code to be %d, got %d\nbody: %s", status, resp.StatusCode, b)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty body, got %q", b)
	}
}

func newWebhookApp(hx *Helix) *fiber.App {
	app := fiber.New()
	app.Post("/webhook", hx.WebhookHandler(&WebhookHandlerOpts{Secret: secret}))
	return app
}

func signedRequest(msgType, id string, body []byte) *http.Request {
	ts := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest("POST", "http://localhost:7123/webhook", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookHeaderID, id)
	req.Header.Set(WebhookHeaderTimestamp, ts)
	req.Header.Set(WebhookHeaderSignature, sign(secret, id, ts, body))
	req.Header.Set(WebhookHeaderType, msgType)
	return req
}

var onlineBody = []byte(`{
    "subscription": {
        "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
        "type": "stream.online",
        "version": "1",
        "status": "enabled",
        "cost": 0,
        "condition": {
            "broadcaster_user_id": "1337"
        },
        "transport": {
            "method": "webhook",
            "callback": "https://example.com/webhooks/callback"
        },
        "created_at": "2019-11-16T10:11:12.123Z"
    },
    "event": {
        "id": "9001",
        "broadcaster_user_id": "1337",
        "broadcaster_user_login": "cool_user",
        "broadcaster_user_name": "Cool_User",
        "type": "live",
        "started_at": "2020-10-11T10:11:12.123Z"
    }
  }`)

func TestWebhookStreamOnline(t *testing.T) {
	t.Parallel()

	events := make(chan *EventStreamOnline, 1)

	hx := NewWithoutExchange(ClientCreds{})
	hx.OnStreamOnline(func(evt *EventStreamOnline) {
		events <- evt
	})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest(WebhookEventNotification, "msg-1", onlineBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected status code to be 204, got %d", resp.StatusCode)
	}

	var got *EventStreamOnline
	select {
	case got = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("stream.online callback was not dispatched")
	}

	ts, err := time.Parse(time.RFC3339, "2020-10-11T10:11:12.123Z")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReceivedAt.IsZero() {
		t.Fatal("expected ReceivedAt to be set")
	}
	got.ReceivedAt = time.Time{}

	want := &EventStreamOnline{
		ID:        "9001",
		Type:      "live",
		StartedAt: ts,
		Broadcaster: &Broadcaster{
			ID:       "1337",
			Username: "Cool_User",
			Login:    "cool_user",
		},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestWebhookDuplicateNotification(t *testing.T) {
	t.Parallel()

	events := make(chan *EventStreamOnline, 2)

	hx := NewWithoutExchange(ClientCreds{})
	hx.OnStreamOnline(func(evt *EventStreamOnline) {
		events <- evt
	})
	app := newWebhookApp(hx)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(signedRequest(WebhookEventNotification, "msg-replayed", onlineBody))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("expected status code to be 204, got %d", resp.StatusCode)
		}
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("stream.online callback was not dispatched")
	}
	select {
	case <-events:
		t.Fatal("duplicate message ID was dispatched twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookVerification(t *testing.T) {
	t.Parallel()

	body := []byte(`{"challenge":"abc123"}`)

	hx := NewWithoutExchange(ClientCreds{})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest(WebhookEventVerification, "msg-2", body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode != 200 {
		t.Fatalf("expected status code to be 200, got %d\nbody: %s", resp.StatusCode, b)
	}
	if string(b) != "abc123" {
		t.Fatalf("expected body to be abc123, got %s instead", b)
	}
}

func TestWebhookEmptyChallenge(t *testing.T) {
	t.Parallel()

	hx := NewWithoutExchange(ClientCreds{})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest(WebhookEventVerification, "msg-3", []byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	expectStatusNoBody(t, resp, fiber.StatusBadRequest)
}

func TestWebhookInvalidSignature(t *testing.T) {
	t.Parallel()

	hx := NewWithoutExchange(ClientCreds{})
	app := newWebhookApp(hx)

	req := signedRequest(WebhookEventNotification, "msg-4", onlineBody)
	req.Header.Set(WebhookHeaderSignature, "sha256=deadbeef")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	expectStatusNoBody(t, resp, fiber.StatusUnauthorized)
}

func TestWebhookUnsupportedSubscriptionType(t *testing.T) {
	t.Parallel()

	body := []byte(`{
    "subscription": {
      "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
      "status": "enabled",
      "type": "channel.follow",
      "version": "1",
      "condition": {
        "broadcaster_user_id": "12826"
      }
    },
    "event": {}
  }`)

	hx := NewWithoutExchange(ClientCreds{})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest(WebhookEventNotification, "msg-5", body))
	if err != nil {
		t.Fatal(err)
	}
	expectStatusNoBody(t, resp, fiber.StatusForbidden)
}

func TestWebhookUnknownMessageType(t *testing.T) {
	t.Parallel()

	hx := NewWithoutExchange(ClientCreds{})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest("weird", "msg-6", onlineBody))
	if err != nil {
		t.Fatal(err)
	}
	expectStatusNoBody(t, resp, fiber.StatusBadRequest)
}

func TestWebhookMalformedJSON(t *testing.T) {
	t.Parallel()

	hx := NewWithoutExchange(ClientCreds{})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest(WebhookEventNotification, "msg-7", []byte(`{"subscription":`)))
	if err != nil {
		t.Fatal(err)
	}
	expectStatusNoBody(t, resp, fiber.StatusBadRequest)
}

func TestWebhookSeenEviction(t *testing.T) {
	t.Parallel()

	h := &WebhookHandler{
		staleness: DefaultStalenessThreshold,
		seen:      cmap.NewWithConcurrencyLevel[time.Time](32),
	}

	now := time.Date(2022, 8, 1, 12, 0, 0, 0, time.UTC)
	h.seen.Set("old", now.Add(-10*time.Minute))
	h.seen.Set("fresh", now.Add(-time.Minute))

	h.evictSeen(now)
	if h.seen.Has("old") {
		t.Fatal("expected entry older than the threshold to be evicted")
	}
	if !h.seen.Has("fresh") {
		t.Fatal("expected fresh entry to survive the sweep")
	}

	// sweeps run at most once per threshold interval
	h.seen.Set("old2", now.Add(-10*time.Minute))
	h.evictSeen(now.Add(time.Minute))
	if !h.seen.Has("old2") {
		t.Fatal("expected no sweep within the threshold interval")
	}

	h.evictSeen(now.Add(h.staleness + time.Minute))
	if h.seen.Has("old2") {
		t.Fatal("expected a sweep after the threshold interval")
	}
}

func TestWebhookRevocation(t *testing.T) {
	t.Parallel()

	body := []byte(`{
    "subscription": {
      "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
      "status": "authorization_revoked",
      "type": "stream.online",
      "cost": 1,
      "version": "1",
      "condition": {
        "broadcaster_user_id": "12826"
      },
      "transport": {
        "method": "webhook",
        "callback": "https://example.com/webhooks/callback"
      }
    }
  }`)

	revoked := make(chan *WebhookRevokePayload, 1)

	hx := NewWithoutExchange(ClientCreds{})
	hx.OnRevocation(func(evt *WebhookRevokePayload) {
		revoked <- evt
	})
	app := newWebhookApp(hx)

	resp, err := app.Test(signedRequest(WebhookEventRevocation, "msg-8", body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected status code to be 204, got %d", resp.StatusCode)
	}

	var evt *WebhookRevokePayload
	select {
	case evt = <-revoked:
	case <-time.After(2 * time.Second):
		t.Fatal("revocation callback was not dispatched")
	}

	if evt.Subscription.Status != "authorization_revoked" {
		t.Fatalf(
			"expected subscription status to be authorization_revoked, got %s",
			evt.Subscription.Status,
		)
	}
	if evt.Subscription.Condition.BroadcasterUserID != "12826" {
		t.Fatalf("expected broadcaster 12826, got %s", evt.Subscription.Condition.BroadcasterUserID)
	}
}

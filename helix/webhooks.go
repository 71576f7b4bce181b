package helix

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	cmap "github.com/pmrt/concurrent-map/v3"
	l "github.com/rs/zerolog/log"

	"github.com/pmrt/streamhook/utils"
)

var (
	WebhookEventHMACPrefix       = []byte("sha256=")
	WebhookEventHMACPrefixLength = len(WebhookEventHMACPrefix)
)

// Twitch webhook event type
// See https://dev.twitch.tv/docs/eventsub/handling-webhook-events
const (
	WebhookEventNotification string = "notification"
	WebhookEventVerification string = "webhook_callback_verification"
	WebhookEventRevocation   string = "revocation"

	SubStreamOnline string = "stream.online"
)

// Twitch webhook headers
// https://dev.twitch.tv/docs/eventsub/handling-webhook-events#list-of-request-headers
const (
	WebhookHeaderID        = "Twitch-Eventsub-Message-Id"
	WebhookHeaderTimestamp = "Twitch-Eventsub-Message-Timestamp"
	WebhookHeaderSignature = "Twitch-Eventsub-Message-Signature"
	WebhookHeaderType      = "Twitch-Eventsub-Message-Type"
)

// DefaultStalenessThreshold is how old a message timestamp may be before it
// is considered stale.
const DefaultStalenessThreshold = 300000 * time.Millisecond

type WebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
	Type      string
	Body      []byte
}

// Valid reports whether the signature header matches the HMAC-SHA256 of
// id+timestamp+body under secret. Missing headers are a plain verification
// failure, not an error. hmac.Equal compares in constant time.
func (evt *WebhookHeaders) Valid(secret []byte) bool {
	if evt.ID == "" || evt.Timestamp == "" || evt.Signature == "" {
		return false
	}

	// Important note: DO NOT mutate id, sig and ts, they are meant to be read-only
	var (
		id   = utils.StringToByte(evt.ID)
		ts   = utils.StringToByte(evt.Timestamp)
		sig  = utils.StringToByte(evt.Signature)
		body = evt.Body
	)

	mac := hmac.New(sha256.New, secret)
	mac.Write(id)
	mac.Write(ts)
	mac.Write(body)
	hash := mac.Sum(nil)
	hexlen := hex.EncodedLen(len(hash))
	hexHash := make([]byte, hexlen, hexlen+WebhookEventHMACPrefixLength)
	hex.Encode(hexHash, hash)
	hexHash = utils.Prepend(hexHash, WebhookEventHMACPrefix)
	return hmac.Equal(sig, hexHash)
}

// Stale reports whether the message timestamp is older than threshold at
// instant now. Unparseable timestamps count as stale.
func (evt *WebhookHeaders) Stale(threshold time.Duration, now time.Time) bool {
	ts, err := time.Parse(time.RFC3339, evt.Timestamp)
	if err != nil {
		return true
	}
	return now.Sub(ts) > threshold
}

type WebhookNotificationPayload struct {
	Subscription Subscription `json:"subscription"`
	Event        struct {
		ID                   string    `json:"id"`
		Type                 string    `json:"type"`
		StartedAt            time.Time `json:"started_at"`
		BroadcasterUserID    string    `json:"broadcaster_user_id"`
		BroadcasterUserLogin string    `json:"broadcaster_user_login"`
		BroadcasterUserName  string    `json:"broadcaster_user_name"`
	} `json:"event"`
}

type WebhookVerificationPayload struct {
	Challenge    string       `json:"challenge"`
	Subscription Subscription `json:"subscription"`
}

type WebhookRevokePayload struct {
	Subscription Subscription `json:"subscription"`
}

type WebhookHandlerOpts struct {
	Secret []byte
	// StalenessThreshold is advisory: messages older than this are logged
	// with a warning but still handled.
	// TODO - decide whether stale messages should be rejected instead
	StalenessThreshold time.Duration
}

type WebhookHandler struct {
	hx        *Helix
	secret    []byte
	staleness time.Duration

	// message IDs already handled. EventSub redelivers notifications it
	// considers unacknowledged, and replayed requests carry a previously
	// seen ID. Entries older than the staleness threshold are swept on
	// notification handling, at most once per threshold interval.
	seen      cmap.ConcurrentMap[time.Time]
	lastEvict int64
}

// evictSeen removes dedupe entries older than the staleness threshold. A
// sweep runs at most once per threshold interval; the CAS on lastEvict makes
// concurrent requests elect a single sweeper.
func (h *WebhookHandler) evictSeen(now time.Time) {
	last := atomic.LoadInt64(&h.lastEvict)
	if now.Sub(time.Unix(0, last)) < h.staleness {
		return
	}
	if !atomic.CompareAndSwapInt64(&h.lastEvict, last, now.UnixNano()) {
		return
	}
	for item := range h.seen.IterBuffered() {
		if now.Sub(item.Val) > h.staleness {
			h.seen.Remove(item.Key)
		}
	}
}

// WebhookHandler returns a gofiber handler which verifies, classifies and
// dispatches EventSub webhooks. The response never waits on downstream
// work: notification and revocation callbacks run on their own goroutines
// after the status is decided.
func (hx *Helix) WebhookHandler(opts *WebhookHandlerOpts) func(c *fiber.Ctx) error {
	h := &WebhookHandler{
		hx:        hx,
		secret:    opts.Secret,
		staleness: opts.StalenessThreshold,
		seen:      cmap.NewWithConcurrencyLevel[time.Time](32),
	}
	if h.staleness <= 0 {
		h.staleness = DefaultStalenessThreshold
	}
	return h.handler
}

func (h *WebhookHandler) handler(c *fiber.Ctx) error {
	headers := &WebhookHeaders{
		ID:        c.Get(WebhookHeaderID),
		Timestamp: c.Get(WebhookHeaderTimestamp),
		Signature: c.Get(WebhookHeaderSignature),
		Type:      c.Get(WebhookHeaderType),
		Body:      c.Body(),
	}
	if !headers.Valid(h.secret) {
		// error statuses carry no body, unlike SendStatus which writes
		// the status message
		return c.Status(fiber.StatusUnauthorized).Send(nil)
	}

	now := time.Now()
	if headers.Stale(h.staleness, now) {
		l.Warn().
			Str("context", "webhook").
			Str("id", headers.ID).
			Str("ts", headers.Timestamp).
			Msg("stale message timestamp")
	}

	switch headers.Type {
	case WebhookEventNotification:
		var resp *WebhookNotificationPayload
		if err := c.BodyParser(&resp); err != nil || resp == nil {
			return c.Status(fiber.StatusBadRequest).Send(nil)
		}
		if resp.Subscription.Type != SubStreamOnline {
			return c.Status(fiber.StatusForbidden).Send(nil)
		}
		h.evictSeen(now)
		if !h.seen.SetIfAbsent(headers.ID, now) {
			l.Debug().
				Str("context", "webhook").
				Str("id", headers.ID).
				Msg("duplicate message, skipping dispatch")
			return c.SendStatus(fiber.StatusNoContent)
		}
		if cb := h.hx.handleStreamOnline; cb != nil {
			go cb(&EventStreamOnline{
				ID:         resp.Event.ID,
				Type:       resp.Event.Type,
				StartedAt:  resp.Event.StartedAt,
				ReceivedAt: now,
				Broadcaster: &Broadcaster{
					ID:       resp.Event.BroadcasterUserID,
					Login:    resp.Event.BroadcasterUserLogin,
					Username: resp.Event.BroadcasterUserName,
				},
			})
		}
		return c.SendStatus(fiber.StatusNoContent)
	case WebhookEventVerification:
		var resp *WebhookVerificationPayload
		if err := c.BodyParser(&resp); err != nil || resp == nil {
			return c.Status(fiber.StatusBadRequest).Send(nil)
		}
		if resp.Challenge == "" {
			return c.Status(fiber.StatusBadRequest).Send(nil)
		}
		return c.SendString(resp.Challenge)
	case WebhookEventRevocation:
		var resp *WebhookRevokePayload
		if err := c.BodyParser(&resp); err != nil || resp == nil {
			return c.Status(fiber.StatusBadRequest).Send(nil)
		}
		if resp.Subscription.Type != SubStreamOnline {
			return c.Status(fiber.StatusForbidden).Send(nil)
		}
		if cb := h.hx.handleRevocation; cb != nil {
			go cb(resp)
		}
		return c.SendStatus(fiber.StatusNoContent)
	default:
		return c.Status(fiber.StatusBadRequest).Send(nil)
	}
}

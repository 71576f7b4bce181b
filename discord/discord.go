// Package discord delivers messages to a Discord channel through an
// incoming webhook.
package discord

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

const DefaultAPIUrl = "https://discord.com/api"

// Discord webhook URLs look like
// https://discord.com/api/webhooks/<17-19 digit id>/<68 char token>
var webhookURLRx = regexp.MustCompile(`/webhooks/(\d{17,19})/([\w-]{68})`)

var (
	ErrBadWebhookURL   = errors.New("discord: URL does not contain /webhooks/<id>/<token>")
	ErrNoWebhookTarget = errors.New("discord: no webhook id/token pair or URL configured")
	ErrDeliveryFailed  = errors.New("discord: webhook delivery failed")
)

// WebhookTarget identifies one incoming webhook. Resolved per delivery,
// never stored.
type WebhookTarget struct {
	ID    string
	Token string
}

func ParseWebhookURL(url string) (*WebhookTarget, error) {
	m := webhookURLRx.FindStringSubmatch(url)
	if m == nil {
		return nil, ErrBadWebhookURL
	}
	return &WebhookTarget{ID: m[1], Token: m[2]}, nil
}

// ResolveTarget prefers an explicit (id, token) pair and otherwise derives
// the pair from a webhook URL.
func ResolveTarget(id, token, url string) (*WebhookTarget, error) {
	if id != "" && token != "" {
		return &WebhookTarget{ID: id, Token: token}, nil
	}
	if url != "" {
		return ParseWebhookURL(url)
	}
	return nil, ErrNoWebhookTarget
}

// Message is the execute-webhook JSON body.
// https://discord.com/developers/docs/resources/webhook#execute-webhook
type Message struct {
	Content   string  `json:"content,omitempty"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Client struct {
	APIUrl string
	c      *http.Client
}

func New() *Client {
	return &Client{
		APIUrl: DefaultAPIUrl,
		c:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Send executes the webhook. Discord answers 204 on success; anything else
// is a delivery failure.
func (cl *Client) Send(t *WebhookTarget, msg *Message) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(msg); err != nil {
		return err
	}
	req, err := http.NewRequest("POST", cl.APIUrl+"/webhooks/"+t.ID+"/"+t.Token, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cl.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: expected 204 response, got %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

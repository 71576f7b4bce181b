package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	l "github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/errgroup"
)

// 1. Verificar y clasificar webhooks entrantes (EventSub)
// 2. Consultar streams/channels/users y combinarlos en una vista
// 3. Gestionar credenciales (clientid/secret y token refresh)
type ClientCreds struct {
	ClientID, ClientSecret string
}

type Helix struct {
	ctx   context.Context
	creds ClientCreds

	APIUrl           string
	TokenURL         string
	EventSubEndpoint string

	c   *http.Client
	src oauth2.TokenSource

	handleStreamOnline func(evt *EventStreamOnline)
	handleRevocation   func(evt *WebhookRevokePayload)
}

var (
	ErrChannelNotFound = errors.New("helix: channel not found")
	ErrUserNotFound    = errors.New("helix: user not found")
)

type Condition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret,omitempty"`
}

type Subscription struct {
	ID        string     `json:"id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Type      string     `json:"type"`
	Version   string     `json:"version"`
	Cost      int        `json:"cost,omitempty"`
	Condition Condition  `json:"condition"`
	Transport *Transport `json:"transport,omitempty"`
}

const EstimatedSubscriptionJSONSize = 350

func (hx *Helix) CreateEventSubSubscription(sub *Subscription) error {
	b := struct {
		Type      string     `json:"type"`
		Version   string     `json:"version"`
		Condition *Condition `json:"condition"`
		Transport *Transport `json:"transport"`
	}{
		Type:      sub.Type,
		Version:   sub.Version,
		Condition: &sub.Condition,
		Transport: sub.Transport,
	}

	buf := bytes.NewBuffer(make([]byte, 0, EstimatedSubscriptionJSONSize))
	if err := json.NewEncoder(buf).Encode(b); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		hx.ctx,
		"POST",
		hx.APIUrl+hx.EventSubEndpoint+"/subscriptions",
		buf,
	)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := hx.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return errors.New("Expected 200/202 response, got" + fmt.Sprint(resp.StatusCode))
	}
	return nil
}

// OnStreamOnline sets the StreamOnline handler. The same event may be triggered
// more than once.
//
// https://dev.twitch.tv/docs/eventsub/eventsub-reference/#stream-online-event
func (hx *Helix) OnStreamOnline(cb func(evt *EventStreamOnline)) {
	hx.handleStreamOnline = cb
}

func (hx *Helix) OnRevocation(cb func(evt *WebhookRevokePayload)) {
	hx.handleRevocation = cb
}

// do authorizes and issues req. The app token comes from the cached token
// source, so most requests reuse a previous token without hitting the OAuth
// endpoint.
func (hx *Helix) do(req *http.Request) (*http.Response, error) {
	tok, err := hx.src.Token()
	if err != nil {
		return nil, fmt.Errorf("helix: authorize request: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Client-Id", hx.creds.ClientID)
	return hx.c.Do(req)
}

type collection[T any] struct {
	Data []T `json:"data"`
}

func get[T any](ctx context.Context, hx *Helix, path string, q url.Values) ([]T, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", hx.APIUrl+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := hx.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix: GET %s: expected 200 response, got %d", path, resp.StatusCode)
	}
	var col collection[T]
	if err := json.NewDecoder(resp.Body).Decode(&col); err != nil {
		return nil, fmt.Errorf("helix: GET %s: %w", path, err)
	}
	return col.Data, nil
}

// Stream is a live stream as returned by GET /streams.
// https://dev.twitch.tv/docs/api/reference#get-streams
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	StartedAt    time.Time `json:"started_at"`
	Language     string    `json:"language"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// Channel is the channel information as returned by GET /channels.
// https://dev.twitch.tv/docs/api/reference#get-channel-information
type Channel struct {
	BroadcasterID       string `json:"broadcaster_id"`
	BroadcasterLogin    string `json:"broadcaster_login"`
	BroadcasterName     string `json:"broadcaster_name"`
	BroadcasterLanguage string `json:"broadcaster_language"`
	GameID              string `json:"game_id"`
	GameName            string `json:"game_name"`
	Title               string `json:"title"`
	Delay               int    `json:"delay"`
}

type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Streams returns the broadcaster's live stream or nil when the broadcaster
// is offline. Offline is not an error.
func (hx *Helix) Streams(ctx context.Context, broadcasterID string) (*Stream, error) {
	q := url.Values{
		"user_id": {broadcasterID},
		"type":    {StreamLive},
		"first":   {"1"},
	}
	data, err := get[Stream](ctx, hx, "/streams", q)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &data[0], nil
}

func (hx *Helix) Channel(ctx context.Context, broadcasterID string) (*Channel, error) {
	q := url.Values{"broadcaster_id": {broadcasterID}}
	data, err := get[Channel](ctx, hx, "/channels", q)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrChannelNotFound
	}
	return &data[0], nil
}

func (hx *Helix) User(ctx context.Context, id string) (*User, error) {
	q := url.Values{"id": {id}}
	data, err := get[User](ctx, hx, "/users", q)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrUserNotFound
	}
	return &data[0], nil
}

// StreamView is the normalized merge of the stream, channel and user
// resources of a broadcaster. Every field is defined after the merge except
// StartedAt and ThumbnailURL, only set while live, and AvatarURL, only set
// when the user resource was fetched.
type StreamView struct {
	BroadcasterID string
	Login         string
	DisplayName   string
	GameID        string
	GameName      string
	Title         string
	Language      string
	Delay         int
	Live          bool
	StartedAt     time.Time
	ThumbnailURL  string
	AvatarURL     string
}

// mergeStreamView coalesces the three resources field by field. Stream
// values win while live, channel values are the fallback. Delay only exists
// at the channel level and AvatarURL only at the user level. Pure function:
// same inputs, same view.
func mergeStreamView(stream *Stream, ch *Channel, user *User) *StreamView {
	v := &StreamView{
		BroadcasterID: ch.BroadcasterID,
		Login:         ch.BroadcasterLogin,
		DisplayName:   ch.BroadcasterName,
		GameID:        ch.GameID,
		GameName:      ch.GameName,
		Title:         ch.Title,
		Language:      ch.BroadcasterLanguage,
		Delay:         ch.Delay,
	}
	if stream != nil {
		v.Live = true
		v.Login = stream.UserLogin
		v.DisplayName = stream.UserName
		v.GameID = stream.GameID
		v.GameName = stream.GameName
		v.Title = stream.Title
		v.Language = stream.Language
		v.StartedAt = stream.StartedAt
		v.ThumbnailURL = stream.ThumbnailURL
	}
	if user != nil {
		v.AvatarURL = user.ProfileImageURL
	}
	return v
}

// StreamInfo fetches the broadcaster's stream and channel resources in
// parallel and merges them. A missing channel fails with
// ErrChannelNotFound; a missing stream only means the broadcaster is
// offline.
func (hx *Helix) StreamInfo(ctx context.Context, broadcasterID string) (*StreamView, error) {
	return hx.streamInfo(ctx, broadcasterID, false)
}

// StreamInfoWithAvatar is StreamInfo plus a third parallel user lookup for
// the avatar. The avatar is cosmetic: a failed user lookup leaves AvatarURL
// empty instead of failing the merge.
func (hx *Helix) StreamInfoWithAvatar(ctx context.Context, broadcasterID string) (*StreamView, error) {
	return hx.streamInfo(ctx, broadcasterID, true)
}

func (hx *Helix) streamInfo(ctx context.Context, broadcasterID string, withAvatar bool) (*StreamView, error) {
	var (
		stream *Stream
		ch     *Channel
		user   *User
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := hx.Streams(gctx, broadcasterID)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	g.Go(func() error {
		c, err := hx.Channel(gctx, broadcasterID)
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	if withAvatar {
		g.Go(func() error {
			u, err := hx.User(gctx, broadcasterID)
			if err != nil {
				l.Warn().
					Err(err).
					Str("context", "helix").
					Str("bid", broadcasterID).
					Msg("user lookup failed, skipping avatar")
				return nil
			}
			user = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeStreamView(stream, ch, user), nil
}

// Exchange sets up the cached app token source from the client credentials.
// Following requests reuse the token until expiry, refreshing it when
// needed.
//
// Must be used before using authenticated endpoints.
func (hx *Helix) Exchange() {
	hx.src = NewAppTokenSource(hx.ctx, &clientcredentials.Config{
		ClientID:     hx.creds.ClientID,
		ClientSecret: hx.creds.ClientSecret,
		TokenURL:     hx.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	})
}

// NewWithoutExchange instantiates a new Helix client but without exchanging
// credentials for a token source. Useful for testing.
//
// Use New() if your helix client will be using authenticated endpoints.
func NewWithoutExchange(creds ClientCreds) *Helix {
	return &Helix{
		creds:            creds,
		ctx:              context.Background(),
		APIUrl:           "https://api.twitch.tv/helix",
		TokenURL:         twitch.Endpoint.TokenURL,
		EventSubEndpoint: "/eventsub",
		c:                &http.Client{Timeout: 10 * time.Second},
	}
}

func New(creds ClientCreds) *Helix {
	hx := NewWithoutExchange(creds)
	hx.Exchange()
	return hx
}

// Package alerter wires EventSub webhooks to Discord messages: it owns the
// inbound webhook server and the fire-and-forget delivery path.
package alerter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	l "github.com/rs/zerolog/log"

	"github.com/pmrt/streamhook/discord"
	"github.com/pmrt/streamhook/helix"
)

type AlerterOpts struct {
	Creds helix.ClientCreds

	WebhookEndpoint    string
	WebhookSecret      string
	WebhookPort        string
	WebhookCallbackURL string
	StalenessThreshold time.Duration

	// BroadcasterID, when set together with WebhookCallbackURL, requests a
	// stream.online subscription for that broadcaster at startup.
	BroadcasterID string

	DiscordWebhookID    string
	DiscordWebhookToken string
	DiscordWebhookURL   string
	DiscordUsername     string
	DiscordAvatarURL    string
}

type Alerter struct {
	opts *AlerterOpts
	hx   *helix.Helix
	dc   *discord.Client
	sv   *fiber.App
}

func New(opts *AlerterOpts) *Alerter {
	return &Alerter{
		opts: opts,
		dc:   discord.New(),
		sv:   fiber.New(),
	}
}

func (a *Alerter) Start() error {
	if a.hx == nil {
		a.hx = helix.New(a.opts.Creds)
	}

	l := l.With().
		Str("context", "alerter").
		Logger()

	l.Info().Msg("initializing alerter")

	l.Debug().Msg("-> setting up webhook handlers")
	a.setup()
	a.subscribe()

	a.sv.Hooks().OnListen(func() error {
		l.Debug().Msgf("-> webhook server listening on %s", a.opts.WebhookPort)
		return nil
	})
	// TODO - TLS
	return a.sv.Listen(":" + a.opts.WebhookPort)
}

// setup registers the event callbacks and the webhook route.
func (a *Alerter) setup() *fiber.App {
	a.hx.OnStreamOnline(a.OnStreamOnline)
	a.hx.OnRevocation(a.OnRevocation)

	a.sv.Post(a.opts.WebhookEndpoint, a.hx.WebhookHandler(&helix.WebhookHandlerOpts{
		Secret:             []byte(a.opts.WebhookSecret),
		StalenessThreshold: a.opts.StalenessThreshold,
	}))
	return a.sv
}

func (a *Alerter) subscribe() {
	if a.opts.BroadcasterID == "" || a.opts.WebhookCallbackURL == "" {
		return
	}

	l := l.With().
		Str("context", "alerter").
		Logger()

	l.Debug().Msgf("-> req. subscription: %s (stream.online)", a.opts.BroadcasterID)
	if err := a.hx.CreateEventSubSubscription(&helix.Subscription{
		Type:    helix.SubStreamOnline,
		Version: "1",
		Condition: helix.Condition{
			BroadcasterUserID: a.opts.BroadcasterID,
		},
		Transport: &helix.Transport{
			Method:   "webhook",
			Callback: a.opts.WebhookCallbackURL + a.opts.WebhookEndpoint,
			Secret:   a.opts.WebhookSecret,
		},
	}); err != nil {
		l.Error().
			Err(err).
			Str("bid", a.opts.BroadcasterID).
			Msg("error while subscribing to stream.online")
	}
}

// OnStreamOnline runs off the request path for each verified stream.online
// notification. The webhook was already acknowledged, so failures here are
// logged and swallowed.
func (a *Alerter) OnStreamOnline(evt *helix.EventStreamOnline) {
	l := l.With().
		Str("context", "alerter").
		Str("bid", evt.Broadcaster.ID).
		Logger()

	view, err := a.hx.StreamInfoWithAvatar(context.Background(), evt.Broadcaster.ID)
	if err != nil {
		l.Error().Err(err).Msg("could not aggregate stream info")
		return
	}
	if err := a.send(a.onlineMessage(evt, view)); err != nil {
		l.Error().Err(err).Msg("could not deliver live alert")
		return
	}
	l.Debug().Msg("live alert delivered")
}

// OnRevocation announces a revoked subscription with the channel's display
// name. Only the channel resource is needed here.
func (a *Alerter) OnRevocation(evt *helix.WebhookRevokePayload) {
	bid := evt.Subscription.Condition.BroadcasterUserID
	l := l.With().
		Str("context", "alerter").
		Str("bid", bid).
		Logger()

	ch, err := a.hx.Channel(context.Background(), bid)
	if err != nil {
		l.Error().Err(err).Msg("could not look up revoked channel")
		return
	}
	status := strings.ReplaceAll(evt.Subscription.Status, "_", " ")
	msg := &discord.Message{
		Content: fmt.Sprintf("Subscription for **%s** was revoked: %s", ch.BroadcasterName, status),
	}
	if err := a.send(msg); err != nil {
		l.Error().Err(err).Msg("could not deliver revocation notice")
		return
	}
	l.Debug().Msg("revocation notice delivered")
}

func (a *Alerter) onlineMessage(evt *helix.EventStreamOnline, view *helix.StreamView) *discord.Message {
	started := view.StartedAt
	if started.IsZero() {
		started = evt.StartedAt
	}
	if started.IsZero() {
		// no start instant anywhere: approximate from receipt time and the
		// channel's broadcast delay
		started = evt.ReceivedAt.Add(time.Duration(view.Delay) * time.Second)
	}

	embed := discord.Embed{
		Title:       fmt.Sprintf("%s is live on Twitch", view.DisplayName),
		URL:         "https://twitch.tv/" + view.Login,
		Description: view.Title,
		Color:       0x9146ff,
		Timestamp:   started.UTC().Format(time.RFC3339),
	}
	if view.GameName != "" {
		embed.Fields = append(embed.Fields, discord.EmbedField{
			Name:   "Game",
			Value:  view.GameName,
			Inline: true,
		})
	}
	if view.ThumbnailURL != "" {
		img := strings.NewReplacer("{width}", "1280", "{height}", "720").
			Replace(view.ThumbnailURL)
		embed.Image = &discord.EmbedImage{URL: img}
	}
	if view.AvatarURL != "" {
		embed.Thumbnail = &discord.EmbedImage{URL: view.AvatarURL}
	}

	return &discord.Message{
		Content: fmt.Sprintf("🔴 %s went live %s", view.DisplayName, humanize.Time(started)),
		Embeds:  []discord.Embed{embed},
	}
}

func (a *Alerter) send(msg *discord.Message) error {
	target, err := discord.ResolveTarget(
		a.opts.DiscordWebhookID,
		a.opts.DiscordWebhookToken,
		a.opts.DiscordWebhookURL,
	)
	if err != nil {
		return err
	}
	if a.opts.DiscordUsername != "" {
		msg.Username = a.opts.DiscordUsername
	}
	if a.opts.DiscordAvatarURL != "" {
		msg.AvatarURL = a.opts.DiscordAvatarURL
	}
	return a.dc.Send(target, msg)
}

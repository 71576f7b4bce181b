package main

import (
	"time"

	l "github.com/rs/zerolog/log"

	"github.com/pmrt/streamhook/alerter"
	"github.com/pmrt/streamhook/config"
	"github.com/pmrt/streamhook/helix"
)

func main() {
	l := l.With().
		Str("context", "app").
		Logger()

	l.Info().Msg("starting streamhook")

	a := alerter.New(&alerter.AlerterOpts{
		Creds: helix.ClientCreds{
			ClientID:     config.HelixClientID,
			ClientSecret: config.HelixSecret,
		},

		WebhookEndpoint:    "/webhook",
		WebhookSecret:      config.EventSubSecret,
		WebhookPort:        config.APIPort,
		WebhookCallbackURL: config.EventSubCallbackURL,
		StalenessThreshold: time.Duration(config.EventSubStalenessMs) * time.Millisecond,

		BroadcasterID: config.EventSubBroadcasterID,

		DiscordWebhookID:    config.DiscordWebhookID,
		DiscordWebhookToken: config.DiscordWebhookToken,
		DiscordWebhookURL:   config.DiscordWebhookURL,
		DiscordUsername:     config.DiscordUsername,
		DiscordAvatarURL:    config.DiscordAvatarURL,
	})
	if err := a.Start(); err != nil {
		l.Fatal().Err(err).Msg("")
	}
}

func init() {
	config.Setup()
}

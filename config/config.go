package config

import (
	"os"
	"reflect"
	"strconv"

	"github.com/joho/godotenv"
	l "github.com/rs/zerolog/log"
)

func Setup() {
	LoadVars()
	setupLogger()
}

type SupportStringconv interface {
	~int | ~int64 | ~float32 | ~string | ~bool
}

func conv(v string, to reflect.Kind) any {
	var err error

	if to == reflect.String {
		return v
	}

	if to == reflect.Bool {
		if bool, err := strconv.ParseBool(v); err == nil {
			return bool
		}
	}

	if to == reflect.Int {
		if int, err := strconv.Atoi(v); err == nil {
			return int
		}
	}

	if to == reflect.Int64 {
		if i64, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i64
		}
	}

	if to == reflect.Float32 {
		if f32, err := strconv.ParseFloat(v, 32); err == nil {
			return f32
		}
	}

	l.Panic().
		Err(err).
		Str("context", "config").
		Msg("")
	return nil
}

func Env[T SupportStringconv](key string, def T) T {
	if v, ok := os.LookupEnv(key); ok {
		val := conv(v, reflect.TypeOf(def).Kind()).(T)
		l.Debug().
			Str("context", "config").
			Msgf("=> [%s]: %v", key, val)
		return val
	}
	return def
}

var (
	HelixClientID string
	HelixSecret   string

	EventSubSecret        string
	EventSubStalenessMs   int64
	EventSubBroadcasterID string
	EventSubCallbackURL   string

	DiscordWebhookURL   string
	DiscordWebhookID    string
	DiscordWebhookToken string
	DiscordUsername     string
	DiscordAvatarURL    string

	APIPort string

	Debug bool
)

func LoadVars() {
	l := l.With().
		Str("context", "config").
		Logger()

	if err := godotenv.Load(); err != nil {
		l.Warn().
			Err(err).
			Msg("no .env file, using environment only")
	}

	l.Info().Msg("reading environment variables")

	HelixClientID = Env("HELIX_CLIENT_ID", "")
	HelixSecret = Env("HELIX_SECRET", "")

	EventSubSecret = Env("EVENTSUB_SECRET", "")
	EventSubStalenessMs = Env("EVENTSUB_STALENESS_MS", int64(300000))
	EventSubBroadcasterID = Env("EVENTSUB_BROADCASTER_ID", "")
	EventSubCallbackURL = Env("EVENTSUB_CALLBACK_URL", "")

	DiscordWebhookURL = Env("DISCORD_WEBHOOK_URL", "")
	DiscordWebhookID = Env("DISCORD_WEBHOOK_ID", "")
	DiscordWebhookToken = Env("DISCORD_WEBHOOK_TOKEN", "")
	DiscordUsername = Env("DISCORD_USERNAME", "")
	DiscordAvatarURL = Env("DISCORD_AVATAR_URL", "")

	APIPort = Env("API_PORT", "8080")

	Debug = Env("DEBUG", false)
}

package helix

import (
	"time"
)

// Twitch stream types
// See "Stream Online Event" https://dev.twitch.tv/docs/eventsub/eventsub-reference#events
const (
	StreamLive       string = "live"
	StreamPlaylist   string = "playlist"
	StreamWatchParty string = "watch_party"
	StreamPremiere   string = "premiere"
	StreamRerun      string = "rerun"
)

type Broadcaster struct {
	ID       string
	Login    string
	Username string
}

// EventStreamOnline is a verified stream.online notification. ReceivedAt is
// the instant the webhook was accepted, used as fallback when the event
// carries no start timestamp.
//
// https://dev.twitch.tv/docs/eventsub/eventsub-reference/#stream-online-event
type EventStreamOnline struct {
	ID          string
	Type        string
	StartedAt   time.Time
	ReceivedAt  time.Time
	Broadcaster *Broadcaster
}

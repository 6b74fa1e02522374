package slack

import "encoding/json"

// EventEnvelope is one Socket Mode frame. Envelopes with an id must be
// acknowledged within three seconds or Slack redelivers them.
type EventEnvelope struct {
	EnvelopeID   string          `json:"envelope_id"`
	Type         string          `json:"type"` // "events_api", "hello", "disconnect"
	Payload      json.RawMessage `json:"payload"`
	RetryAttempt int             `json:"retry_attempt"`
	Reason       string          `json:"reason"` // set on disconnect frames
}

// eventsAPIPayload is the payload wrapper of an events_api envelope.
type eventsAPIPayload struct {
	Event json.RawMessage `json:"event"`
}

// Event covers the app_mention and message events the bridge reacts to.
type Event struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	EventTS  string `json:"event_ts"`

	// BotID and BotProfile mark messages posted by bots, including our own.
	BotID      string          `json:"bot_id"`
	BotProfile json.RawMessage `json:"bot_profile,omitempty"`
}

// ThreadMessage is one reply from conversations.replies.
type ThreadMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
	TS   string `json:"ts"`
}

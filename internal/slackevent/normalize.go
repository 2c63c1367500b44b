package slackevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload types delivered to the events endpoint.
const (
	PayloadURLVerification = "url_verification"
	PayloadEventCallback   = "event_callback"
)

// Skip reasons reported by Normalize.
const (
	SkipUnsupportedEventType = "unsupported_event_type"
	SkipSelfMessage          = "self_message"
)

// ErrMalformedPayload is returned when the request body is not valid JSON.
var ErrMalformedPayload = errors.New("malformed payload")

// SkipError marks an event that was verified and acknowledged but carries
// nothing for the pipeline to act on.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "event skipped: " + e.Reason
}

// Payload is the outer envelope of an Events API request.
type Payload struct {
	Type      string   `json:"type"`
	TeamID    string   `json:"team_id"`
	Challenge string   `json:"challenge"`
	Event     RawEvent `json:"event"`
}

// RawEvent is the platform-specific inner event, prior to normalization.
type RawEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	BotID    string `json:"bot_id"`
	Team     string `json:"team"`
	Channel  string `json:"channel"`
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// IsHandshake reports whether the payload is the endpoint verification
// handshake, which is answered directly and bypasses the pipeline.
func (p Payload) IsHandshake() bool {
	return p.Type == PayloadURLVerification
}

// ParsePayload decodes the webhook body into its envelope.
func ParsePayload(body []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload, nil
}

// Normalize converts a verified event-callback payload into the canonical
// event form. It is a pure function: no side effects, and every branch
// returns either a NormalizedEvent or a *SkipError.
func Normalize(payload Payload, botUserID string) (NormalizedEvent, error) {
	if payload.Type != PayloadEventCallback {
		return NormalizedEvent{}, &SkipError{Reason: SkipUnsupportedEventType}
	}

	raw := payload.Event
	// Only plain messages are actionable; subtyped events (edits,
	// deletions, joins) are not.
	if raw.Type != "message" || raw.Subtype != "" {
		return NormalizedEvent{}, &SkipError{Reason: SkipUnsupportedEventType}
	}
	// The bot's own output comes back through the same webhook; dropping
	// it here prevents feedback loops.
	if raw.BotID != "" || (botUserID != "" && raw.User == botUserID) {
		return NormalizedEvent{}, &SkipError{Reason: SkipSelfMessage}
	}

	teamID := strings.TrimSpace(payload.TeamID)
	if teamID == "" {
		teamID = strings.TrimSpace(raw.Team)
	}
	threadTS := raw.ThreadTS
	if threadTS == "" {
		threadTS = raw.TS
	}

	return NormalizedEvent{
		TeamID:      teamID,
		ChannelID:   raw.Channel,
		ChannelKind: detectChannelKind(raw.Channel),
		UserID:      raw.User,
		Text:        raw.Text,
		TS:          raw.TS,
		ThreadTS:    threadTS,
		IsMentioned: botUserID != "" && strings.Contains(raw.Text, "<@"+botUserID+">"),
		IsDM:        strings.HasPrefix(raw.Channel, "D"),
		EventType:   "message",
	}, nil
}

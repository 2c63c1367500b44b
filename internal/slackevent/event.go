package slackevent

import "strings"

// ChannelKind classifies a Slack channel by its id namespace.
type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
	ChannelDM      ChannelKind = "dm"
	ChannelUnknown ChannelKind = "unknown"
)

// runtimeSessionMinLength is imposed by the downstream model runtime on
// session identifiers. Shorter derivations are padded, never truncated.
const runtimeSessionMinLength = 33

// NormalizedEvent is the canonical form of one inbound Slack message.
// It is created once per webhook by Normalize and owned by a single
// pipeline run; it is never persisted beyond that run.
type NormalizedEvent struct {
	TeamID      string      `json:"team_id"`
	ChannelID   string      `json:"channel_id"`
	ChannelKind ChannelKind `json:"channel_kind"`
	UserID      string      `json:"user_id"`
	Text        string      `json:"text"`
	TS          string      `json:"ts"`
	ThreadTS    string      `json:"thread_ts"`
	IsMentioned bool        `json:"is_mentioned"`
	IsDM        bool        `json:"is_dm"`
	EventType   string      `json:"event_type"`
}

// ActorID addresses channel-scoped long-term memory.
func (e NormalizedEvent) ActorID() string {
	return e.ChannelID
}

// SessionID addresses thread-scoped short-term memory.
func (e NormalizedEvent) SessionID() string {
	return e.ThreadTS
}

// EventID uniquely identifies the triggering event across retries, so a
// replayed run does not double-post. Slack timestamps contain dots, which
// are mapped to dashes to keep the id safe for path-ish consumers.
func (e NormalizedEvent) EventID() string {
	return sanitizeTS(e.TeamID) + "-" + e.ChannelID + "-" + sanitizeTS(e.TS)
}

// RuntimeSessionID derives the session identifier handed to the model
// runtime: {team}-{channel}-{thread_ts}, deterministically extended by
// repeating itself until it satisfies the runtime's minimum length.
func (e NormalizedEvent) RuntimeSessionID() string {
	base := e.TeamID + "-" + e.ChannelID + "-" + sanitizeTS(e.ThreadTS)
	if strings.Trim(base, "-") == "" {
		base = "session"
	}
	id := base
	for len(id) < runtimeSessionMinLength {
		id += "-" + base
	}
	return id
}

func sanitizeTS(value string) string {
	return strings.ReplaceAll(value, ".", "-")
}

func detectChannelKind(channelID string) ChannelKind {
	switch {
	case strings.HasPrefix(channelID, "C"):
		return ChannelPublic
	case strings.HasPrefix(channelID, "G"):
		return ChannelPrivate
	case strings.HasPrefix(channelID, "D"):
		return ChannelDM
	default:
		return ChannelUnknown
	}
}

// Package routing implements the two-stage decision graph: a cheap
// triage model decides whether and how to respond, and an expensive
// generation model composes the reply only when triage asks for it.
package routing

type Route string

const (
	RouteIgnore      Route = "ignore"
	RouteSimpleReply Route = "simple_reply"
	RouteFullReply   Route = "full_reply"
)

type ReplyMode string

const (
	ReplyModeThread  ReplyMode = "thread"
	ReplyModeChannel ReplyMode = "channel"
)

type TypingStyle string

const (
	TypingNone  TypingStyle = "none"
	TypingShort TypingStyle = "short"
	TypingLong  TypingStyle = "long"
)

// Decision is the single finalized output of the routing engine. After
// a simple_reply route the ReplyText comes from triage; after a
// full_reply route it comes from generation. An empty ReplyText on a
// replying route makes delivery skip.
type Decision struct {
	ShouldReply bool        `json:"should_reply"`
	Route       Route       `json:"route"`
	ReplyMode   ReplyMode   `json:"reply_mode"`
	TypingStyle TypingStyle `json:"typing_style"`
	Reason      string      `json:"reason"`
	ReplyText   string      `json:"reply_text,omitempty"`
}

// DefaultDecision is the substitution applied when a model stage fails
// to produce parseable structured output. It always resolves to a
// silent terminal state.
func DefaultDecision(reason string) Decision {
	return Decision{
		ShouldReply: false,
		Route:       RouteIgnore,
		ReplyMode:   ReplyModeThread,
		TypingStyle: TypingNone,
		Reason:      reason,
	}
}

// normalize enforces the decision invariants regardless of what the
// model emitted: unknown enum values collapse to safe defaults, a
// non-replying decision is always an ignore, and ignores carry no text.
func normalize(d Decision) Decision {
	switch d.Route {
	case RouteIgnore, RouteSimpleReply, RouteFullReply:
	default:
		d.Route = RouteIgnore
	}
	switch d.ReplyMode {
	case ReplyModeThread, ReplyModeChannel:
	default:
		d.ReplyMode = ReplyModeThread
	}
	switch d.TypingStyle {
	case TypingNone, TypingShort, TypingLong:
	default:
		d.TypingStyle = TypingNone
	}
	if !d.ShouldReply {
		d.Route = RouteIgnore
	}
	if d.Route == RouteIgnore {
		d.ShouldReply = false
		d.ReplyText = ""
		d.TypingStyle = TypingNone
	}
	return d
}

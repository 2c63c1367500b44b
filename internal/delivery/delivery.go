// Package delivery posts finalized decisions back to Slack. It owns the
// skip policy (silent decisions, empty replies), the thread-or-channel
// anchor choice, and the typing-placeholder flow.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/careloop/careloop/internal/routing"
	"github.com/careloop/careloop/internal/slackevent"
)

// Skip reasons recorded on outcomes that never reach the platform.
const (
	SkipNoReply    = "should_reply is False"
	SkipEmptyReply = "empty reply"
)

const typingPlaceholder = "…"

// ErrTransient marks platform failures worth retrying: rate limits,
// timeouts, 5xx responses. Everything else from the API is terminal.
var ErrTransient = errors.New("transient delivery failure")

// permanentAPIErrors are Slack error codes where retrying cannot help.
var permanentAPIErrors = map[string]struct{}{
	"channel_not_found": {},
	"is_archived":       {},
	"not_in_channel":    {},
	"invalid_auth":      {},
	"account_inactive":  {},
	"msg_too_long":      {},
	"restricted_action": {},
}

// SlackAPI is the slice of the Slack web API the sender uses.
// *slack.Client satisfies it.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

type Outcome struct {
	Posted   bool   `json:"posted"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Sender struct {
	api    SlackAPI
	logger *slog.Logger
}

func NewSender(api SlackAPI, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{api: api, logger: logger.With("component", "delivery")}
}

// Deliver executes the policy for one decision. A returned error is
// always transient and means the caller should retry; terminal results,
// including permanent platform rejections, come back as an Outcome with
// a nil error.
func (s *Sender) Deliver(ctx context.Context, event slackevent.NormalizedEvent, decision routing.Decision) (Outcome, error) {
	if !decision.ShouldReply || decision.Route == routing.RouteIgnore {
		return Outcome{Posted: false, Reason: SkipNoReply}, nil
	}
	text := strings.TrimSpace(decision.ReplyText)
	if text == "" {
		return Outcome{Posted: false, Reason: SkipEmptyReply}, nil
	}

	anchor := ""
	if decision.ReplyMode == routing.ReplyModeThread {
		anchor = event.ThreadTS
	}

	if decision.TypingStyle != routing.TypingNone {
		return s.deliverWithPlaceholder(ctx, event.ChannelID, anchor, text)
	}

	channel, ts, err := s.api.PostMessageContext(ctx, event.ChannelID, postOptions(anchor, text)...)
	if err != nil {
		return s.classify(event.ChannelID, err)
	}
	s.logger.Info("reply posted", "channel", channel, "ts", ts, "thread_ts", anchor)
	return Outcome{Posted: true, Channel: channel, TS: ts, ThreadTS: anchor}, nil
}

// deliverWithPlaceholder posts a visible typing placeholder first and
// then edits it into the final text, so the channel sees activity while
// long content lands in one message.
func (s *Sender) deliverWithPlaceholder(ctx context.Context, channelID, anchor, text string) (Outcome, error) {
	channel, ts, err := s.api.PostMessageContext(ctx, channelID, postOptions(anchor, typingPlaceholder)...)
	if err != nil {
		return s.classify(channelID, err)
	}
	channel, ts, _, err = s.api.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false))
	if err != nil {
		return s.classify(channelID, err)
	}
	s.logger.Info("reply posted", "channel", channel, "ts", ts, "thread_ts", anchor, "placeholder", true)
	return Outcome{Posted: true, Channel: channel, TS: ts, ThreadTS: anchor}, nil
}

func postOptions(anchor, text string) []slack.MsgOption {
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if anchor != "" {
		options = append(options, slack.MsgOptionTS(anchor))
	}
	return options
}

func (s *Sender) classify(channelID string, err error) (Outcome, error) {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		s.logger.Warn("delivery rate limited", "channel", channelID, "retry_after", rateLimited.RetryAfter)
		return Outcome{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	code := strings.TrimSpace(err.Error())
	if _, permanent := permanentAPIErrors[code]; permanent {
		s.logger.Error("delivery rejected by platform", "channel", channelID, "error", code)
		return Outcome{Posted: false, Error: code}, nil
	}
	s.logger.Warn("delivery failed, will retry", "channel", channelID, "error", err)
	return Outcome{}, fmt.Errorf("%w: %v", ErrTransient, err)
}

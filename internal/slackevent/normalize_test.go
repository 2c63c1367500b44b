package slackevent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const botUserID = "U0BOT"

func messagePayload(raw RawEvent) Payload {
	return Payload{Type: PayloadEventCallback, TeamID: "T0TEAM", Event: raw}
}

func TestParsePayloadHandshake(t *testing.T) {
	payload, err := ParsePayload([]byte(`{"type":"url_verification","challenge":"abc123"}`))
	require.NoError(t, err)
	require.True(t, payload.IsHandshake())
	require.Equal(t, "abc123", payload.Challenge)
}

func TestParsePayloadMalformed(t *testing.T) {
	_, err := ParsePayload([]byte(`{"type":`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestNormalizeMessage(t *testing.T) {
	event, err := Normalize(messagePayload(RawEvent{
		Type:    "message",
		Channel: "C123456",
		User:    "U999",
		Text:    "hello <@U0BOT>, can you help?",
		TS:      "1700000000.000100",
	}), botUserID)
	require.NoError(t, err)

	require.Equal(t, "T0TEAM", event.TeamID)
	require.Equal(t, ChannelPublic, event.ChannelKind)
	require.True(t, event.IsMentioned)
	require.False(t, event.IsDM)
	require.Equal(t, "message", event.EventType)
}

func TestNormalizeUnknownBotIsNeverMentioned(t *testing.T) {
	// Without a configured bot user id, the literal token "<@>" must
	// not count as a mention.
	event, err := Normalize(messagePayload(RawEvent{
		Type: "message", Channel: "C1", User: "U999", Text: "look at <@> this", TS: "1.2",
	}), "")
	require.NoError(t, err)
	require.False(t, event.IsMentioned)
}

func TestNormalizeThreadTSFallsBackToTS(t *testing.T) {
	event, err := Normalize(messagePayload(RawEvent{
		Type:    "message",
		Channel: "C123456",
		User:    "U999",
		Text:    "standalone",
		TS:      "1700000000.000100",
	}), botUserID)
	require.NoError(t, err)
	require.Equal(t, "1700000000.000100", event.ThreadTS)

	threaded, err := Normalize(messagePayload(RawEvent{
		Type:     "message",
		Channel:  "C123456",
		User:     "U999",
		Text:     "in thread",
		TS:       "1700000000.000200",
		ThreadTS: "1700000000.000100",
	}), botUserID)
	require.NoError(t, err)
	require.Equal(t, "1700000000.000100", threaded.ThreadTS)
}

func TestNormalizeChannelKinds(t *testing.T) {
	cases := map[string]ChannelKind{
		"C123": ChannelPublic,
		"G123": ChannelPrivate,
		"D123": ChannelDM,
		"X123": ChannelUnknown,
	}
	for channel, kind := range cases {
		event, err := Normalize(messagePayload(RawEvent{
			Type: "message", Channel: channel, User: "U999", Text: "hi there", TS: "1.2",
		}), botUserID)
		require.NoError(t, err, "channel %s", channel)
		require.Equal(t, kind, event.ChannelKind, "channel %s", channel)
		require.Equal(t, kind == ChannelDM, event.IsDM, "channel %s", channel)
	}
}

func TestNormalizeSkipsSelfMessage(t *testing.T) {
	_, err := Normalize(messagePayload(RawEvent{
		Type: "message", Channel: "C1", User: botUserID, Text: "echo", TS: "1.2",
	}), botUserID)

	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, SkipSelfMessage, skip.Reason)
}

func TestNormalizeSkipsBotAuthoredMessage(t *testing.T) {
	_, err := Normalize(messagePayload(RawEvent{
		Type: "message", Channel: "C1", User: "U999", BotID: "B42", Text: "posted by app", TS: "1.2",
	}), botUserID)

	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, SkipSelfMessage, skip.Reason)
}

func TestNormalizeSkipsSubtypedAndNonMessageEvents(t *testing.T) {
	for _, raw := range []RawEvent{
		{Type: "reaction_added", Channel: "C1", User: "U999", TS: "1.2"},
		{Type: "message", Subtype: "message_changed", Channel: "C1", User: "U999", TS: "1.2"},
	} {
		_, err := Normalize(messagePayload(raw), botUserID)
		var skip *SkipError
		require.ErrorAs(t, err, &skip)
		require.Equal(t, SkipUnsupportedEventType, skip.Reason)
	}
}

func TestNormalizeTeamIDFallsBackToEventTeam(t *testing.T) {
	event, err := Normalize(Payload{
		Type: PayloadEventCallback,
		Event: RawEvent{
			Type: "message", Team: "T0FALLBACK", Channel: "C1", User: "U999", Text: "hi", TS: "1.2",
		},
	}, botUserID)
	require.NoError(t, err)
	require.Equal(t, "T0FALLBACK", event.TeamID)
}

package slackevent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionKeyDerivation(t *testing.T) {
	event := NormalizedEvent{
		TeamID:    "T0TEAM",
		ChannelID: "C0CHANNEL",
		TS:        "1700000000.000200",
		ThreadTS:  "1700000000.000100",
	}
	require.Equal(t, "C0CHANNEL", event.ActorID())
	require.Equal(t, "1700000000.000100", event.SessionID())
}

func TestEventIDIsStableAndDotFree(t *testing.T) {
	event := NormalizedEvent{TeamID: "T1", ChannelID: "C1", TS: "1700000000.000200"}
	require.Equal(t, "T1-C1-1700000000-000200", event.EventID())
	require.Equal(t, event.EventID(), event.EventID())
}

func TestRuntimeSessionIDMinimumLength(t *testing.T) {
	triples := []NormalizedEvent{
		{TeamID: "T1", ChannelID: "C1", ThreadTS: "1.2"},
		{TeamID: "T", ChannelID: "C", ThreadTS: "1"},
		{TeamID: "T0TEAM", ChannelID: "C0CHANNEL", ThreadTS: "1700000000.000100"},
		{},
	}
	for _, event := range triples {
		id := event.RuntimeSessionID()
		require.GreaterOrEqual(t, len(id), 33, "triple %+v", event)
	}
}

func TestRuntimeSessionIDDeterministic(t *testing.T) {
	event := NormalizedEvent{TeamID: "T1", ChannelID: "C1", ThreadTS: "1.2"}
	first := event.RuntimeSessionID()
	require.Equal(t, first, event.RuntimeSessionID())
	// The long form still starts with the plain derivation, so it remains
	// traceable back to the conversation in logs.
	require.Contains(t, first, "T1-C1-1-2")
}

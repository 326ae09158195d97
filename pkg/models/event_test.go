package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	sig := Signal{
		Type:       SignalCommandFailure,
		Confidence: 0.7,
		Payload: CommandFailurePayload{
			Command:       "npm install",
			ExitCode:      1,
			StderrPreview: "npm ERR! peer dep conflict",
		},
		Context: &ContextSnapshot{
			Messages: []Message{{Text: "install the deps"}},
		},
	}

	ev, err := NewEvent(PhaseToolResult, "repo123", sig, at)
	require.NoError(t, err)

	assert.Len(t, ev.ID, 8)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Equal(t, SignalCommandFailure, ev.SignalType)
	assert.False(t, ev.Processed)

	p, err := ev.Payload()
	require.NoError(t, err)
	fp, ok := p.(CommandFailurePayload)
	require.True(t, ok)
	assert.Equal(t, "npm install", fp.Command)
	assert.Equal(t, 1, fp.ExitCode)

	snap, err := ev.Context()
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "install the deps", snap.Messages[0].Text)
}

func TestEventWithoutContext(t *testing.T) {
	sig := Signal{
		Type:       SignalRepetition,
		Confidence: 0.7,
		Payload:    RepetitionPayload{Message: "again", SimilarCount: 2},
	}
	ev, err := NewEvent(PhaseUserPrompt, "r", sig, time.Now())
	require.NoError(t, err)

	snap, err := ev.Context()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload(SignalType("BOGUS"), []byte(`{}`))
	require.Error(t, err)
}

func TestSignalWeightOrdering(t *testing.T) {
	assert.Greater(t, SignalCommandFailure.Weight(), SignalUserCorrection.Weight())
	assert.Greater(t, SignalUserCorrection.Weight(), SignalToneEscalation.Weight())
	assert.True(t, SignalRepetition.Valid())
	assert.False(t, SignalType("BOGUS").Valid())
}

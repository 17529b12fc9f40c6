package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusEventKeepsGoodFields(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantAUX *bool
	}{
		{name: "string false", raw: `{"AUX":"False","volume":40,"muted":true}`, wantAUX: boolPtr(false)},
		{name: "string true", raw: `{"AUX":"True","volume":40,"muted":true}`, wantAUX: boolPtr(true)},
		{name: "bool", raw: `{"AUX":false,"volume":40,"muted":true}`, wantAUX: boolPtr(false)},
		{name: "unusable aux", raw: `{"AUX":{"on":1},"volume":40,"muted":true}`, wantAUX: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseStatusEvent([]byte(tt.raw))
			require.NoError(t, err)

			assert.Equal(t, tt.wantAUX, ev.AUX)
			require.NotNil(t, ev.Volume)
			assert.Equal(t, 40, *ev.Volume)
			require.NotNil(t, ev.Muted)
			assert.True(t, *ev.Muted)
		})
	}
}

func TestParseStatusEventNumbers(t *testing.T) {
	ev, err := ParseStatusEvent([]byte(`{"volume":40.7,"muted":"yes","source":{"sourceType":2,"id":"x","index":1}}`))
	require.NoError(t, err)

	require.NotNil(t, ev.Volume)
	assert.Equal(t, 40, *ev.Volume)
	assert.Nil(t, ev.Muted)
	require.NotNil(t, ev.Source)
	require.NotNil(t, ev.Source.SourceType)
	assert.Equal(t, 2, *ev.Source.SourceType)
	assert.Nil(t, ev.Source.ID)
	require.NotNil(t, ev.Source.Index)
	assert.Equal(t, 1, *ev.Source.Index)
}

func TestParseStatusEventNulls(t *testing.T) {
	ev, err := ParseStatusEvent([]byte(`{"playback":null,"source":null,"songTitle":"Song"}`))
	require.NoError(t, err)

	assert.Nil(t, ev.Playback)
	assert.Nil(t, ev.Source)
	require.NotNil(t, ev.SongTitle)
	assert.Equal(t, "Song", *ev.SongTitle)
}

func TestParseStatusEventRejectsNonObject(t *testing.T) {
	_, err := ParseStatusEvent([]byte(`["status"]`))
	assert.Error(t, err)
}

func boolPtr(v bool) *bool { return &v }

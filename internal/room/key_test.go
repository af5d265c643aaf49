package room

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	keys := []Key{
		User("u1"),
		Channel("c-42"),
		Direct("65f0a1"),
		TeamPresence("team_7"),
	}
	for _, k := range keys {
		t.Run(k.String(), func(t *testing.T) {
			parsed, err := Parse(k.String())
			require.NoError(t, err)
			assert.Equal(t, k, parsed)
		})
	}
}

func TestKeyRendering(t *testing.T) {
	assert.Equal(t, "user:u1", User("u1").String())
	assert.Equal(t, "team-presence:t1", TeamPresence("t1").String())
	assert.Equal(t, "", Key{}.String())
	assert.True(t, Key{}.IsZero())
}

func TestParseRejectsMalformedKeys(t *testing.T) {
	tests := []string{
		"",
		"user",
		"user:",
		"room:abc",
		"channel:a:b",
		"dm:has space",
		":abc",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			assert.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func TestKindsDoNotCollide(t *testing.T) {
	assert.NotEqual(t, User("1"), Channel("1"))
	assert.NotEqual(t, Direct("1").String(), TeamPresence("1").String())
}

func TestKeyJSON(t *testing.T) {
	type envelope struct {
		Room Key `json:"room"`
	}
	raw, err := json.Marshal(envelope{Room: Channel("general")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"room":"channel:general"}`, string(raw))

	var decoded envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, Channel("general"), decoded.Room)

	assert.Error(t, json.Unmarshal([]byte(`{"room":"bogus:1"}`), &decoded))
}

func TestKeyRoundTripEscapesIDs(t *testing.T) {
	tests := []struct {
		key  Key
		wire string
	}{
		{User("google:123"), "user:google%3A123"},
		{User("auth0|abc"), "user:auth0|abc"},
		{Channel("50%off"), "channel:50%25off"},
		{Direct("a b"), "dm:a%20b"},
		{TeamPresence("t\t1"), "team-presence:t%091"},
		{User("ü:x"), "user:ü%3Ax"},
	}
	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			assert.Equal(t, tt.wire, tt.key.String())

			parsed, err := Parse(tt.key.String())
			require.NoError(t, err)
			assert.Equal(t, tt.key, parsed)

			raw, err := json.Marshal(tt.key)
			require.NoError(t, err)
			var decoded Key
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.Equal(t, tt.key, decoded)
		})
	}
}

func TestParseRejectsBadEscapes(t *testing.T) {
	for _, raw := range []string{"user:%zz", "user:abc%", "channel:%4"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformedKey, raw)
	}
}

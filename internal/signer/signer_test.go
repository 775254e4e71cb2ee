package signer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignIgnoresEmptyValues(t *testing.T) {
	base := Sign(map[string]string{"method": "user.loginByEmail", "spaceId": "s1", "timestamp": "1700000000000"})
	withEmpty := Sign(map[string]string{"method": "user.loginByEmail", "spaceId": "s1", "timestamp": "1700000000000", "token": ""})
	assert.Equal(t, base, withEmpty, "empty-valued keys must not affect the signature")
}

func TestSignIsOrderIndependent(t *testing.T) {
	// Map iteration order is already random in Go, so two Sign calls
	// over the same pairs exercise differing insertion orders; assert
	// the canonical sort makes them identical anyway.
	fields := map[string]string{"b": "2", "a": "1", "c": "3", "timestamp": "1700000000000"}
	assert.Equal(t, Sign(fields), Sign(fields))

	reordered := map[string]string{"timestamp": "1700000000000", "c": "3", "a": "1", "b": "2"}
	assert.Equal(t, Sign(fields), Sign(reordered))
}

func TestSignProducesHexMD5Length(t *testing.T) {
	sig := Sign(map[string]string{"method": "x"})
	assert.Len(t, sig, 32)
	assert.Regexp(t, "^[0-9a-f]+$", sig)
}

func TestNewEnvelopeSerializesInvokeParamsToString(t *testing.T) {
	env, err := NewEnvelope(invokeMethod, "space-1", "tok", map[string]interface{}{"functionTarget": "router"})
	require.NoError(t, err)

	params, ok := env.Params.(string)
	require.True(t, ok, "invoke params must be a JSON string, not an object")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(params), &decoded))
	assert.Equal(t, "router", decoded["functionTarget"])
}

func TestNewEnvelopePassesPlainParamsThrough(t *testing.T) {
	params := map[string]interface{}{"email": "a@b.com"}
	env, err := NewEnvelope("user.loginByEmail", "space-1", "tok", params)
	require.NoError(t, err)
	assert.Equal(t, params, env.Params)
}

func TestDeviceIDIsStableForProcessLifetime(t *testing.T) {
	s := New()
	first := s.DeviceID()
	assert.Len(t, first, 32)
	assert.Equal(t, first, s.DeviceID(), "device id must be generated once, not per request")
}

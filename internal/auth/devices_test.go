package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fossibot-bridge/internal/cache"
)

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "7C2C67AB5F0E", normalizeMAC("7c:2c:67:ab:5f:0e"))
	assert.Equal(t, "7C2C67AB5F0E", normalizeMAC("7C2C67AB5F0E"))
	assert.Equal(t, "", normalizeMAC("7C2C67AB5F"), "too short")
	assert.Equal(t, "", normalizeMAC("7C2C67AB5F0G"), "non-hex digit")
	assert.Equal(t, "", normalizeMAC(""))
}

func TestListDevicesParsesRows(t *testing.T) {
	server := newTestServer(t, func(method string) (map[string]interface{}, int) {
		switch method {
		case methodAuthorize:
			return map[string]interface{}{"accessToken": "access"}, http.StatusOK
		case methodLogin:
			return map[string]interface{}{"token": fakeJWT(time.Now().Add(time.Hour))}, http.StatusOK
		case methodMQTTToken:
			return map[string]interface{}{"token": fakeJWT(time.Now().Add(time.Hour))}, http.StatusOK
		case methodDeviceList:
			return map[string]interface{}{
				"rows": []interface{}{
					map[string]interface{}{"device_id": "7c:2c:67:ab:5f:0e", "device_name": "Garage", "model": "F2400"},
					map[string]interface{}{"device_id": "bogus"},
				},
			}, http.StatusOK
		default:
			return nil, http.StatusNotFound
		}
	})
	defer server.Close()

	engine, _ := newEngine(t, server)
	devices, err := engine.ListDevices(context.Background(), Account{Email: "user@example.com", Password: "pw"})
	require.NoError(t, err)

	require.Len(t, devices, 1, "rows without a valid device id are skipped")
	assert.Equal(t, cache.Device{MAC: "7C2C67AB5F0E", Name: "Garage", Model: "F2400"}, devices[0])
}

func TestListDevicesMissingRowsIsAnError(t *testing.T) {
	server := newTestServer(t, func(method string) (map[string]interface{}, int) {
		switch method {
		case methodAuthorize:
			return map[string]interface{}{"accessToken": "access"}, http.StatusOK
		case methodLogin:
			return map[string]interface{}{"token": fakeJWT(time.Now().Add(time.Hour))}, http.StatusOK
		case methodMQTTToken:
			return map[string]interface{}{"token": fakeJWT(time.Now().Add(time.Hour))}, http.StatusOK
		default:
			return map[string]interface{}{}, http.StatusOK
		}
	})
	defer server.Close()

	engine, _ := newEngine(t, server)
	_, err := engine.ListDevices(context.Background(), Account{Email: "user@example.com", Password: "pw"})
	assert.Error(t, err)
}

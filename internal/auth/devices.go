package auth

import (
	"context"
	"fmt"
	"strings"

	"fossibot-bridge/internal/cache"
)

const methodDeviceList = "client.getDevicesByUser"

// ListDevices fetches the account's device inventory with a signed HTTP
// call, reusing whatever handshake tokens are cached. Callers gate this
// behind the DeviceCache; the engine itself always goes to the network.
func (e *Engine) ListDevices(ctx context.Context, account Account) ([]cache.Device, error) {
	tokens, err := e.GetTokens(ctx, account)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"uniIdToken": tokens.Login,
	}
	resp, err := e.doRequest(ctx, methodDeviceList, tokens.Anonymous, params)
	if err != nil {
		return nil, fmt.Errorf("auth: device list: %w", err)
	}

	rows, ok := resp["rows"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("auth: device list response missing rows")
	}

	devices := make([]cache.Device, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		mac := normalizeMAC(stringField(fields, "device_id"))
		if mac == "" {
			continue
		}
		devices = append(devices, cache.Device{
			MAC:   mac,
			Name:  stringField(fields, "device_name"),
			Model: stringField(fields, "model"),
		})
	}
	return devices, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// normalizeMAC strips separators and uppercases a device identifier so
// it matches the 12-hex-char form used across all topics and caches.
func normalizeMAC(raw string) string {
	mac := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(raw))
	if len(mac) != 12 {
		return ""
	}
	for _, r := range mac {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return ""
		}
	}
	return mac
}

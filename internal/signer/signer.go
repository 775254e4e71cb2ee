// Package signer implements the vendor's HMAC-MD5 request signature,
// the impersonated device-info payload, and the outer request envelope.
package signer

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// clientSecret is the fixed vendor HMAC key used to sign every request.
const clientSecret = "wyyjkctb9obtdmazhb41yfq28r78jc6g"

// Signer produces signed vendor-cloud HTTP requests. A single Signer is
// shared by every account in the process: the device-id it impersonates
// must be generated once per process, never per request, or the vendor's
// anomaly detection trips.
type Signer struct {
	once     sync.Once
	deviceID string
}

// New returns a Signer. The device-id is lazily generated on first use.
func New() *Signer {
	return &Signer{}
}

func (s *Signer) ensureDeviceID() {
	s.once.Do(func() {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand failing means the platform is broken; fall back
			// to a fixed-but-unique-enough value rather than panic.
			s.deviceID = strings.Repeat("0", 32)
			return
		}
		s.deviceID = hex.EncodeToString(buf)
	})
}

// DeviceID returns the process-lifetime device identifier impersonated in
// every request's device-info payload.
func (s *Signer) DeviceID() string {
	s.ensureDeviceID()
	return s.deviceID
}

// DeviceInfo is the fixed object impersonating a mobile client.
type DeviceInfo struct {
	Platform  string `json:"platform"`
	AppID     string `json:"appid"`
	DeviceID  string `json:"deviceid"`
	UserAgent string `json:"os_user_agent"`
	Locale    string `json:"locale"`
}

// DeviceInfo returns the fixed mobile-client impersonation payload.
func (s *Signer) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Platform:  "android",
		AppID:     "__UNI__4D9573E",
		DeviceID:  s.DeviceID(),
		UserAgent: "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36",
		Locale:    "en",
	}
}

// Sign builds the canonical string from fields (sorted keys, empty values
// dropped, "k=v" joined with "&") and returns hex(HMAC-MD5(clientSecret, canonical)).
func Sign(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	canonical := strings.Join(parts, "&")

	mac := hmac.New(md5.New, []byte(clientSecret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Envelope is the outer request body for every stage of the handshake.
type Envelope struct {
	Method    string      `json:"method"`
	Params    interface{} `json:"params"`
	SpaceID   string      `json:"spaceId"`
	Timestamp int64       `json:"timestamp"`
	Token     string      `json:"token,omitempty"`
}

const invokeMethod = "serverless.function.runtime.invoke"

// NewEnvelope constructs the outer envelope for a request. When method is
// the serverless invoke method, params MUST be serialized to a JSON string
// before being placed in the envelope (the server and the signature both
// assume this); for every other method params is passed through as-is.
func NewEnvelope(method, spaceID, token string, params interface{}) (*Envelope, error) {
	env := &Envelope{
		Method:    method,
		SpaceID:   spaceID,
		Timestamp: time.Now().UnixMilli(),
		Token:     token,
	}

	if method == invokeMethod {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("signer: marshal params for %s: %w", method, err)
		}
		env.Params = string(raw)
	} else {
		env.Params = params
	}

	return env, nil
}

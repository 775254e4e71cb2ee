package cache

import (
	"time"

	"go.uber.org/zap"
)

// Device is a discovered vendor-cloud device.
type Device struct {
	MAC   string `json:"mac"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

type deviceDocument struct {
	CachedAt time.Time `json:"cached_at"`
	Devices  []Device  `json:"devices"`
}

// DeviceCache stores the device inventory discovered for an account,
// keyed by md5(email), with a TTL (default 24h).
type DeviceCache struct {
	store  Store
	logger *zap.Logger
	ttl    time.Duration
}

// NewDeviceCache builds a DeviceCache. ttl is cache.device_list_ttl.
func NewDeviceCache(store Store, logger *zap.Logger, ttl time.Duration) *DeviceCache {
	return &DeviceCache{store: store, logger: logger, ttl: ttl}
}

func (dc *DeviceCache) key(email string) string {
	return EmailKey("devices", email)
}

// Get returns the cached device list if it is not older than ttl.
func (dc *DeviceCache) Get(email string) ([]Device, bool) {
	var doc deviceDocument
	if !readJSON(dc.store, dc.key(email), dc.logger, &doc) {
		return nil, false
	}
	if time.Since(doc.CachedAt) > dc.ttl {
		return nil, false
	}
	return doc.Devices, true
}

// Put replaces the cached device list for an account.
func (dc *DeviceCache) Put(email string, devices []Device) error {
	doc := deviceDocument{CachedAt: time.Now(), Devices: devices}
	return writeJSON(dc.store, dc.key(email), doc)
}

// Invalidate forces the next Get to miss, used by the periodic
// device-cache refresh timer.
func (dc *DeviceCache) Invalidate(email string) error {
	return writeJSON(dc.store, dc.key(email), deviceDocument{})
}

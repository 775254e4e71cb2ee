package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTokenCacheRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	logger := zap.NewNop()
	tc := NewTokenCache(store, logger, 24*time.Hour, 5*time.Minute)

	err := tc.Put("user@example.com", StageLogin, "tok-123", time.Now().Add(time.Hour))
	require.NoError(t, err)

	entry, ok := tc.Get("user@example.com", StageLogin)
	require.True(t, ok)
	assert.Equal(t, "tok-123", entry.Token)
	assert.False(t, entry.Capped)
}

func TestTokenCacheCapsLongLivedJWT(t *testing.T) {
	store := NewMemoryStore()
	tc := NewTokenCache(store, zap.NewNop(), 86400*time.Second, 5*time.Minute)

	fourteenYears := time.Now().AddDate(14, 0, 0)
	err := tc.Put("user@example.com", StageLogin, "long-lived", fourteenYears)
	require.NoError(t, err)

	entry, ok := tc.Get("user@example.com", StageLogin)
	require.True(t, ok)
	assert.True(t, entry.Capped)
	assert.WithinDuration(t, entry.CachedAt.Add(86400*time.Second), entry.ExpiresAt, time.Second)
}

func TestTokenCacheExpiredEntryIsAbsent(t *testing.T) {
	store := NewMemoryStore()
	tc := NewTokenCache(store, zap.NewNop(), time.Hour, 5*time.Minute)

	err := tc.Put("user@example.com", StageMQTT, "tok", time.Now().Add(1*time.Minute))
	require.NoError(t, err)

	_, ok := tc.Get("user@example.com", StageMQTT)
	assert.False(t, ok, "entry within the safety margin of expiry must read as absent")
}

func TestTokenCachePurge(t *testing.T) {
	store := NewMemoryStore()
	tc := NewTokenCache(store, zap.NewNop(), 24*time.Hour, 5*time.Minute)

	require.NoError(t, tc.Put("a@b.com", StageAnonymous, "x", time.Now().Add(time.Hour)))
	require.NoError(t, tc.Purge("a@b.com", StageAnonymous))

	_, ok := tc.Get("a@b.com", StageAnonymous)
	assert.False(t, ok)
}

func TestTokenCacheCorruptJSONIsAMiss(t *testing.T) {
	store := NewMemoryStore()
	key := EmailKey("tokens", "a@b.com")
	require.NoError(t, store.WriteAtomic(key, []byte("{not json")))

	tc := NewTokenCache(store, zap.NewNop(), 24*time.Hour, 5*time.Minute)
	_, ok := tc.Get("a@b.com", StageLogin)
	assert.False(t, ok)
}

func TestDeviceCacheTTL(t *testing.T) {
	store := NewMemoryStore()
	dc := NewDeviceCache(store, zap.NewNop(), 24*time.Hour)

	devices := []Device{{MAC: "7C2C67AB5F0E", Name: "Station", Model: "F2400"}}
	require.NoError(t, dc.Put("a@b.com", devices))

	got, ok := dc.Get("a@b.com")
	require.True(t, ok)
	assert.Equal(t, devices, got)
}

func TestDeviceCacheInvalidate(t *testing.T) {
	store := NewMemoryStore()
	dc := NewDeviceCache(store, zap.NewNop(), 24*time.Hour)

	require.NoError(t, dc.Put("a@b.com", []Device{{MAC: "AA"}}))
	require.NoError(t, dc.Invalidate("a@b.com"))

	_, ok := dc.Get("a@b.com")
	assert.False(t, ok)
}

func TestEmailKeyIsOpaque(t *testing.T) {
	key := EmailKey("tokens", "someone@example.com")
	assert.NotContains(t, key, "someone")
	assert.NotContains(t, key, "example.com")
}

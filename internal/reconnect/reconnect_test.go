package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fossibot-bridge/internal/auth"
	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/signer"
)

func newTestEngine(t *testing.T) *auth.Engine {
	store := cache.NewMemoryStore()
	tokenCache := cache.NewTokenCache(store, zap.NewNop(), 24*time.Hour, 5*time.Minute)
	return auth.New(auth.Config{Endpoint: "http://invalid.example", SpaceID: "space"}, signer.New(), tokenCache, zap.NewNop())
}

func TestAuthEscalatorEscalatesBeforeFatal(t *testing.T) {
	engine := newTestEngine(t)
	esc := NewAuthEscalator("user@example.com", engine, zap.NewNop(), 3, time.Minute)

	retry, fatal := esc.Escalate(0)
	assert.False(t, fatal)
	assert.Zero(t, retry)

	retry, fatal = esc.Escalate(1)
	assert.False(t, fatal)
	assert.Zero(t, retry)

	retry, fatal = esc.Escalate(2)
	assert.True(t, fatal)
	assert.Equal(t, time.Minute, retry)
}

func TestAuthEscalatorResetClearsCounter(t *testing.T) {
	engine := newTestEngine(t)
	esc := NewAuthEscalator("user@example.com", engine, zap.NewNop(), 2, time.Minute)

	esc.Escalate(0)
	esc.Reset()

	_, fatal := esc.Escalate(0)
	assert.False(t, fatal)
}

func TestBrokerBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	breaker := NewBrokerBreaker(zap.NewNop(), 2, time.Minute)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	require.Error(t, breaker.Call(context.Background(), failing))
	require.Error(t, breaker.Call(context.Background(), failing))

	err := breaker.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err, "breaker should be open and fail fast without calling fn")
	assert.Equal(t, "open", breaker.State())
}

// Package reconnect implements the two escalation tiers layered on top
// of the cloud websocket's own transport-level backoff (internal/cloudws
// handles that, Tier 1): Tier 2 walks back through cached auth state
// when the cloud keeps rejecting the connection, and Tier 3 guards
// calls against the local broker so a flapping Mosquitto doesn't take
// down the whole bridge.
package reconnect

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"fossibot-bridge/internal/auth"
)

// AuthEscalator purges cached auth state in widening steps each time
// authentication fails, giving the cloud account server one more
// chance to mint fresh tokens before the whole handshake is abandoned.
type AuthEscalator struct {
	email  string
	engine *auth.Engine
	logger *zap.Logger

	consecutiveFailures int
	maxFailures         int
	cooldown            time.Duration
}

// NewAuthEscalator builds an escalator for one account's email. After
// maxFailures consecutive full-handshake failures it reports fatal and
// expects the caller to wait cooldown before trying again.
func NewAuthEscalator(email string, engine *auth.Engine, logger *zap.Logger, maxFailures int, cooldown time.Duration) *AuthEscalator {
	return &AuthEscalator{
		email:       email,
		engine:      engine,
		logger:      logger,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// Escalate is called after a handshake attempt fails. step indicates
// how far the walk-back has progressed so far (0 = first failure).
// It purges progressively more cached state and reports whether the
// caller should keep retrying or back off for the full cooldown.
func (e *AuthEscalator) Escalate(step int) (retryAfter time.Duration, fatal bool) {
	e.consecutiveFailures++

	var err error
	switch step {
	case 0:
		err = e.engine.PurgeMQTT(e.email)
	case 1:
		err = e.engine.PurgeLoginAndMQTT(e.email)
	default:
		err = e.engine.PurgeAll(e.email)
	}
	if err != nil {
		e.logger.Warn("reconnect: failed to purge auth cache", zap.Int("step", step), zap.Error(err))
	}

	if e.consecutiveFailures >= e.maxFailures {
		e.logger.Error("reconnect: exhausted auth escalation, backing off", zap.Int("failures", e.consecutiveFailures), zap.Duration("cooldown", e.cooldown))
		return e.cooldown, true
	}
	return 0, false
}

// Reset clears the failure counter after a successful handshake.
func (e *AuthEscalator) Reset() {
	e.consecutiveFailures = 0
}

// BrokerBreaker wraps calls against the local broker in a gobreaker
// circuit breaker, independent of the cloud-side reconnect state.
type BrokerBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBrokerBreaker builds a breaker that opens after consecutiveFailures
// in a row and probes again after openFor.
func NewBrokerBreaker(logger *zap.Logger, consecutiveFailures uint32, openFor time.Duration) *BrokerBreaker {
	settings := gobreaker.Settings{
		Name:        "local-broker",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BrokerBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Call executes fn guarded by the breaker. When the breaker is open it
// fails fast without calling fn.
func (b *BrokerBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("reconnect: broker call: %w", err)
	}
	return nil
}

// State reports the breaker's current state for status reporting.
func (b *BrokerBreaker) State() string {
	return b.cb.State().String()
}

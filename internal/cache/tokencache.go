package cache

import (
	"time"

	"go.uber.org/zap"
)

// Stage identifies one of the three handshake tokens.
type Stage string

const (
	StageAnonymous Stage = "anonymous"
	StageLogin     Stage = "login"
	StageMQTT      Stage = "mqtt"
)

// TokenEntry is one cached token. ExpiresAt already reflects the
// max_token_ttl cap (see Capped); CachedAt is when this entry was written.
type TokenEntry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CachedAt  time.Time `json:"cached_at"`
	Capped    bool      `json:"capped"`
}

type tokenDocument struct {
	Stages map[Stage]TokenEntry `json:"stages"`
}

// TokenCache stores the three handshake tokens per account, keyed by
// md5(email).
type TokenCache struct {
	store        Store
	logger       *zap.Logger
	maxTokenTTL  time.Duration
	safetyMargin time.Duration
}

// NewTokenCache builds a TokenCache. maxTokenTTL and safetyMargin come
// from config (cache.max_token_ttl, cache.token_ttl_safety_margin).
func NewTokenCache(store Store, logger *zap.Logger, maxTokenTTL, safetyMargin time.Duration) *TokenCache {
	return &TokenCache{
		store:        store,
		logger:       logger,
		maxTokenTTL:  maxTokenTTL,
		safetyMargin: safetyMargin,
	}
}

func (tc *TokenCache) key(email string) string {
	return EmailKey("tokens", email)
}

func (tc *TokenCache) load(email string) tokenDocument {
	var doc tokenDocument
	if readJSON(tc.store, tc.key(email), tc.logger, &doc) && doc.Stages != nil {
		return doc
	}
	return tokenDocument{Stages: make(map[Stage]TokenEntry)}
}

// Get returns the cached entry for stage if it is still usable: now +
// safety margin must be before its (already-capped) expiry, and the entry
// must not be older than max_token_ttl. Either failing is an absent read,
// not an error — the caller simply refetches that stage.
func (tc *TokenCache) Get(email string, stage Stage) (TokenEntry, bool) {
	doc := tc.load(email)
	entry, ok := doc.Stages[stage]
	if !ok {
		return TokenEntry{}, false
	}

	now := time.Now()
	if !now.Add(tc.safetyMargin).Before(entry.ExpiresAt) {
		return TokenEntry{}, false
	}
	if now.Sub(entry.CachedAt) >= tc.maxTokenTTL {
		return TokenEntry{}, false
	}
	return entry, true
}

// Put caches a freshly fetched token. jwtExpiry is the expiry claimed by
// the token itself (already resolved by the auth package's JWT/default
// logic); Put applies the max_token_ttl cap and records whether capping
// actually reduced the expiry.
func (tc *TokenCache) Put(email string, stage Stage, token string, jwtExpiry time.Time) error {
	now := time.Now()
	cappedExpiry := now.Add(tc.maxTokenTTL)

	entry := TokenEntry{Token: token, CachedAt: now}
	if jwtExpiry.Before(cappedExpiry) {
		entry.ExpiresAt = jwtExpiry
		entry.Capped = false
	} else {
		entry.ExpiresAt = cappedExpiry
		entry.Capped = true
	}

	doc := tc.load(email)
	doc.Stages[stage] = entry

	if tc.logger != nil {
		tc.logger.Info("cache: token stored",
			zap.String("stage", string(stage)),
			zap.Bool("capped", entry.Capped),
			zap.Time("expires_at", entry.ExpiresAt))
	}

	return writeJSON(tc.store, tc.key(email), doc)
}

// Purge removes a single stage's cached token, forcing a refetch on the
// next handshake. Used by the Tier-2 reconnect walk-back.
func (tc *TokenCache) Purge(email string, stage Stage) error {
	doc := tc.load(email)
	delete(doc.Stages, stage)
	return writeJSON(tc.store, tc.key(email), doc)
}

// PurgeAll removes every cached stage for an account (full-handshake retry).
func (tc *TokenCache) PurgeAll(email string) error {
	return writeJSON(tc.store, tc.key(email), tokenDocument{Stages: make(map[Stage]TokenEntry)})
}

package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// conservativeDefaultTTL is the fallback used when a token carries no
// usable exp claim and no stage default applies (rare in practice).
const conservativeDefaultTTL = time.Hour

type jwtClaims struct {
	Exp int64 `json:"exp"`
}

// jwtExpiry decodes a JWT's payload (without verifying its signature —
// the vendor cloud is the one that verifies it; the bridge only reads the
// exp claim for cache bookkeeping) and returns the claimed expiry. If the
// token is not a well-formed JWT or carries no exp claim, it returns
// (zero, false) and the caller applies its own policy default.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers still pad base64url; tolerate that too.
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return time.Time{}, false
		}
	}

	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}

	return time.Unix(claims.Exp, 0), true
}

// resolveExpiry picks the expiry to hand to the token cache: the token's
// own exp claim if present, else stageDefault, else a conservative 1h.
// The cache layer applies the max_token_ttl cap on top of whatever this
// returns.
func resolveExpiry(token string, stageDefault time.Duration) time.Time {
	if exp, ok := jwtExpiry(token); ok {
		return exp
	}
	if stageDefault > 0 {
		return time.Now().Add(stageDefault)
	}
	return time.Now().Add(conservativeDefaultTTL)
}

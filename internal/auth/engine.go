// Package auth implements the three-stage signed-HTTP handshake that
// yields the anonymous, login, and MQTT tokens the rest of the bridge
// needs, with a cache-first policy that makes a warm restart cheap.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/signer"
)

const (
	methodAuthorize = "user.getCaptchaFree"
	methodLogin     = "user.loginByEmail"
	methodMQTTToken = "common.getMqttToken"

	// anonymousDefaultTTL mirrors the vendor's own short-lived anonymous
	// token (observed ≈10 min TTL; always fetched fresh in practice).
	anonymousDefaultTTL = 10 * time.Minute
)

// Config holds the handful of knobs the handshake needs beyond the
// per-account credentials.
type Config struct {
	Endpoint         string
	SpaceID          string
	RequestTimeout   time.Duration // per-stage HTTP timeout (default 10s)
	HandshakeTimeout time.Duration // whole three-stage handshake (default 30s)
}

// Account is the subset of account config the engine needs.
type Account struct {
	Email    string
	Password string
}

// TokenSet is the three tokens produced by a (possibly partial) handshake.
type TokenSet struct {
	Anonymous string
	Login     string
	MQTT      string
}

// FatalStageError marks an unrecoverable failure within a single stage:
// HTTP != 200, a missing `data` field, an empty token, or 401/403.
// These force a cache purge and a retry from an earlier stage.
type FatalStageError struct {
	Stage cache.Stage
	Err   error
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("auth: stage %s failed fatally: %v", e.Stage, e.Err)
}

func (e *FatalStageError) Unwrap() error { return e.Err }

// Engine drives the handshake and the cache-first policy.
type Engine struct {
	cfg    Config
	signer *signer.Signer
	cache  *cache.TokenCache
	client *http.Client
	logger *zap.Logger
}

// New builds an Engine.
func New(cfg Config, sgn *signer.Signer, tokenCache *cache.TokenCache, logger *zap.Logger) *Engine {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		signer: sgn,
		cache:  tokenCache,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// GetTokens implements the cache-first policy: stages whose cached token
// is still valid are not refetched at all. On a fully warm cache this
// performs zero HTTP calls.
func (e *Engine) GetTokens(ctx context.Context, account Account) (*TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	accessToken, fetchedAccess, err := e.ensureAnonymous(ctx, account)
	if err != nil {
		return nil, err
	}

	loginToken, err := e.ensureLogin(ctx, account, accessToken)
	if err != nil {
		return nil, err
	}

	mqttToken, err := e.ensureMQTT(ctx, account, accessToken, loginToken)
	if err != nil {
		return nil, err
	}

	if e.logger != nil {
		e.logger.Debug("auth: handshake complete",
			zap.String("email", account.Email),
			zap.Bool("anonymous_refetched", fetchedAccess))
	}

	return &TokenSet{Anonymous: accessToken, Login: loginToken, MQTT: mqttToken}, nil
}

func (e *Engine) ensureAnonymous(ctx context.Context, account Account) (token string, fetched bool, err error) {
	if entry, ok := e.cache.Get(account.Email, cache.StageAnonymous); ok {
		return entry.Token, false, nil
	}

	token, err = e.stageAnonymous(ctx)
	if err != nil {
		e.cache.PurgeAll(account.Email)
		return "", true, &FatalStageError{Stage: cache.StageAnonymous, Err: err}
	}
	if putErr := e.cache.Put(account.Email, cache.StageAnonymous, token, resolveExpiry(token, anonymousDefaultTTL)); putErr != nil && e.logger != nil {
		e.logger.Warn("auth: failed to cache anonymous token", zap.Error(putErr))
	}
	return token, true, nil
}

func (e *Engine) ensureLogin(ctx context.Context, account Account, accessToken string) (string, error) {
	if entry, ok := e.cache.Get(account.Email, cache.StageLogin); ok {
		return entry.Token, nil
	}

	token, err := e.stageLogin(ctx, accessToken, account.Email, account.Password)
	if err != nil {
		e.cache.PurgeAll(account.Email)
		return "", &FatalStageError{Stage: cache.StageLogin, Err: err}
	}
	if putErr := e.cache.Put(account.Email, cache.StageLogin, token, resolveExpiry(token, 0)); putErr != nil && e.logger != nil {
		e.logger.Warn("auth: failed to cache login token", zap.Error(putErr))
	}
	return token, nil
}

func (e *Engine) ensureMQTT(ctx context.Context, account Account, accessToken, loginToken string) (string, error) {
	if entry, ok := e.cache.Get(account.Email, cache.StageMQTT); ok {
		return entry.Token, nil
	}

	token, err := e.stageMQTT(ctx, accessToken, loginToken)
	if err != nil {
		e.cache.Purge(account.Email, cache.StageLogin)
		e.cache.Purge(account.Email, cache.StageMQTT)
		return "", &FatalStageError{Stage: cache.StageMQTT, Err: err}
	}
	if putErr := e.cache.Put(account.Email, cache.StageMQTT, token, resolveExpiry(token, 0)); putErr != nil && e.logger != nil {
		e.logger.Warn("auth: failed to cache mqtt token", zap.Error(putErr))
	}
	return token, nil
}

// PurgeMQTT purges only the mqtt stage (Tier-2, step 1).
func (e *Engine) PurgeMQTT(email string) error { return e.cache.Purge(email, cache.StageMQTT) }

// PurgeLoginAndMQTT purges login+mqtt (Tier-2, step 2).
func (e *Engine) PurgeLoginAndMQTT(email string) error {
	if err := e.cache.Purge(email, cache.StageLogin); err != nil {
		return err
	}
	return e.cache.Purge(email, cache.StageMQTT)
}

// PurgeAll purges every stage (Tier-2, step 3 / full handshake retry).
func (e *Engine) PurgeAll(email string) error { return e.cache.PurgeAll(email) }

func (e *Engine) stageAnonymous(ctx context.Context) (string, error) {
	resp, err := e.doRequest(ctx, methodAuthorize, "", map[string]interface{}{})
	if err != nil {
		return "", err
	}
	token, ok := resp["accessToken"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("stage1: missing or empty accessToken")
	}
	return token, nil
}

func (e *Engine) stageLogin(ctx context.Context, accessToken, email, password string) (string, error) {
	params := map[string]interface{}{
		"email":    email,
		"password": password,
	}
	resp, err := e.doRequest(ctx, methodLogin, accessToken, params)
	if err != nil {
		return "", err
	}
	token, ok := resp["token"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("stage2: missing or empty token")
	}
	return token, nil
}

func (e *Engine) stageMQTT(ctx context.Context, accessToken, uniIdToken string) (string, error) {
	params := map[string]interface{}{
		"uniIdToken": uniIdToken,
	}
	resp, err := e.doRequest(ctx, methodMQTTToken, accessToken, params)
	if err != nil {
		return "", err
	}
	token, ok := resp["token"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("stage3: missing or empty token")
	}
	return token, nil
}

// doRequest signs and sends one stage of the handshake and returns the
// `data` object of a successful response.
func (e *Engine) doRequest(ctx context.Context, method, bearer string, params interface{}) (map[string]interface{}, error) {
	env, err := signer.NewEnvelope(method, e.cfg.SpaceID, bearer, params)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	paramsStr, _ := env.Params.(string)
	sig := signer.Sign(map[string]string{
		"method":    env.Method,
		"spaceId":   env.SpaceID,
		"timestamp": strconv.FormatInt(env.Timestamp, 10),
		"token":     env.Token,
		"params":    paramsStr,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-serverless-sign", sig)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("http %d: credential rejected", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Data == nil {
		return nil, fmt.Errorf("response missing data field")
	}

	return parsed.Data, nil
}

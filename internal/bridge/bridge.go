// Package bridge orchestrates one or more vendor cloud accounts, the
// shared device state store, and the local broker connection that
// publishes translated state and receives commands.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"fossibot-bridge/internal/auth"
	"fossibot-bridge/internal/brokerclient"
	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/cloudws"
	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/reconnect"
	"fossibot-bridge/internal/signer"
	"fossibot-bridge/internal/statestore"
)

// Version is reported in the bridge status document.
const Version = "1.0.0"

// Bridge wires together every enabled cloud account, the shared
// register state store, and the local broker.
type Bridge struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	store       *statestore.Store
	tokenCache  *cache.TokenCache
	deviceCache *cache.DeviceCache
	broker      *brokerclient.Client
	breaker     *reconnect.BrokerBreaker

	accounts []*cloudAccount

	startedAt time.Time
	wg        sync.WaitGroup
}

// bridgeStatus is the document published to fossibot/bridge/status.
type bridgeStatus struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Accounts      []accountStatus `json:"accounts"`
	Devices       []deviceStatus  `json:"devices"`
	Timestamp     string          `json:"timestamp"`
}

type accountStatus struct {
	Email       string `json:"email"`
	Connected   bool   `json:"connected"`
	DeviceCount int    `json:"device_count"`
}

type deviceStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	CloudConnected bool   `json:"cloudConnected"`
	LastSeen       string `json:"lastSeen"`
}

// New constructs a Bridge from a loaded configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Bridge, error) {
	store, err := cache.NewFileStore(cfg.Cache.Directory, logger)
	if err != nil {
		return nil, err
	}

	tokenCache := cache.NewTokenCache(store, logger, cfg.Cache.MaxTokenTTL, cfg.Cache.SafetyMargin)
	deviceCache := cache.NewDeviceCache(store, logger, cfg.Cache.DeviceTTL)
	m := metrics.New()
	stateStore := statestore.New()

	b := &Bridge{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		store:       stateStore,
		tokenCache:  tokenCache,
		deviceCache: deviceCache,
		breaker:     reconnect.NewBrokerBreaker(logger, 3, 30*time.Second),
	}

	b.broker = brokerclient.New(brokerclient.Config{
		Broker:         cfg.Mosquitto.Broker,
		ClientID:       cfg.Mosquitto.ClientID,
		Username:       cfg.Mosquitto.Username,
		Password:       cfg.Mosquitto.Password,
		QoS:            cfg.Mosquitto.QoS,
		KeepAlive:      cfg.Mosquitto.KeepAlive,
		ConnectTimeout: cfg.Mosquitto.ConnectTimeout,
		WriteTimeout:   cfg.Mosquitto.WriteTimeout,
	}, logger, b.handleCommand)

	sgn := signer.New()
	opts := accountOptions{
		cloudEndpoint:   cfg.Cloud.Endpoint,
		caFile:          cfg.Cloud.CAFile,
		reconnectMin:    cfg.Bridge.ReconnectDelayMin,
		reconnectMax:    cfg.Bridge.ReconnectDelayMax,
		settingsSpacing: cfg.Bridge.SettingsCommandSpacing,
		refreshDelay:    cfg.Bridge.SettingsRefreshDelay,
		postCommandSkip: cfg.Bridge.PostCommandPollSkip,
	}

	for _, acctCfg := range cfg.Accounts {
		if !acctCfg.Enabled {
			continue
		}
		engine := auth.New(auth.Config{
			Endpoint:         cfg.Cloud.AuthEndpoint,
			SpaceID:          cfg.Cloud.SpaceID,
			RequestTimeout:   cfg.Cloud.RequestTimeout,
			HandshakeTimeout: cfg.Cloud.HandshakeTimeout,
		}, sgn, tokenCache, logger)

		acct := newCloudAccount(acctCfg.Email, acctCfg.Password, opts, engine, stateStore, deviceCache, m, logger)
		acct.onUpdate = b.publishState
		acct.onAvailability = b.publishAvailability
		b.accounts = append(b.accounts, acct)
	}

	return b, nil
}

// Metrics returns the bridge's Prometheus registry for HTTP exposition.
func (b *Bridge) Metrics() *metrics.Metrics {
	return b.metrics
}

// Healthy reports whether at least one account is outside its fatal
// cooldown, for the health endpoint.
func (b *Bridge) Healthy() bool {
	if len(b.accounts) == 0 {
		return false
	}
	for _, acct := range b.accounts {
		if acct.ws.State() != cloudws.StateFatal {
			return true
		}
	}
	return false
}

// Run connects the local broker and every enabled cloud account, then
// blocks serving poll/status/device-refresh timers until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.startedAt = time.Now()

	if err := b.broker.Connect(ctx); err != nil {
		return err
	}

	for _, acct := range b.accounts {
		acct := acct
		// Discovery failures in one account must not block the others;
		// the reconnect loop retries as part of each connection attempt.
		if _, err := acct.discoverDevices(ctx); err != nil {
			b.logger.Error("initial device discovery failed, continuing",
				zap.String("account", maskEmail(acct.email)), zap.Error(err))
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			acct.run(ctx)
		}()
	}

	b.wg.Add(3)
	go func() { defer b.wg.Done(); b.pollLoop(ctx) }()
	go func() { defer b.wg.Done(); b.statusLoop(ctx) }()
	go func() { defer b.wg.Done(); b.deviceRefreshLoop(ctx) }()

	<-ctx.Done()
	b.shutdown()
	b.wg.Wait()
	return nil
}

func (b *Bridge) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Bridge.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, acct := range b.accounts {
				if !acct.ws.IsConnected() {
					continue
				}
				for _, mac := range acct.macs() {
					if err := acct.pollDevice(mac, false); err != nil {
						b.logger.Warn("poll failed", zap.String("mac", mac), zap.Error(err))
					}
				}
			}
		}
	}
}

func (b *Bridge) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Bridge.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStatus("online")
			// Re-emit every device's snapshot so a broker that was down
			// when updates arrived converges without waiting for the
			// next register change.
			for _, acct := range b.accounts {
				for _, mac := range acct.macs() {
					b.publishState(mac)
				}
			}
		}
	}
}

// publishState projects mac's snapshot to the canonical JSON document
// and publishes it retained on the local broker.
func (b *Bridge) publishState(mac string) {
	snap, ok := b.store.Snapshot(mac)
	if !ok {
		return
	}
	if device, ok := b.deviceFor(mac); ok {
		snap.Model = device.Model
	}

	state := statestore.Project(snap, time.Now())
	err := b.breaker.Call(context.Background(), func(context.Context) error {
		return b.broker.PublishState(mac, state)
	})
	if err != nil {
		b.logger.Warn("failed to publish device state", zap.String("mac", mac), zap.Error(err))
	}
}

func (b *Bridge) publishAvailability(mac string, online bool) {
	err := b.breaker.Call(context.Background(), func(context.Context) error {
		return b.broker.PublishAvailability(mac, online)
	})
	if err != nil {
		b.logger.Warn("failed to publish availability",
			zap.String("mac", mac), zap.Bool("online", online), zap.Error(err))
	}
}

func (b *Bridge) publishStatus(status string) {
	doc := bridgeStatus{
		Status:        status,
		Version:       Version,
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	connected := 0
	for _, acct := range b.accounts {
		isConnected := acct.ws.IsConnected()
		if isConnected {
			connected++
		}
		macs := acct.macs()
		doc.Accounts = append(doc.Accounts, accountStatus{
			Email:       maskEmail(acct.email),
			Connected:   isConnected,
			DeviceCount: len(macs),
		})
		for _, mac := range macs {
			acct.mu.Lock()
			device := acct.devices[mac]
			acct.mu.Unlock()

			ds := deviceStatus{
				ID:             mac,
				Name:           device.Name,
				Model:          device.Model,
				CloudConnected: isConnected,
			}
			if seen := acct.lastSeenAt(mac); !seen.IsZero() {
				ds.LastSeen = seen.UTC().Format(time.RFC3339)
			}
			doc.Devices = append(doc.Devices, ds)
		}
	}
	b.metrics.ActiveAccounts.Set(float64(connected))

	err := b.breaker.Call(context.Background(), func(context.Context) error {
		return b.broker.PublishBridgeStatus(doc)
	})
	if err != nil {
		b.logger.Warn("failed to publish bridge status", zap.Error(err))
	}
}

func (b *Bridge) deviceRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Cache.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, acct := range b.accounts {
				if err := b.deviceCache.Invalidate(acct.email); err != nil {
					b.logger.Warn("failed to invalidate device cache", zap.Error(err))
				}
				if _, err := acct.discoverDevices(ctx); err != nil {
					b.logger.Warn("device rediscovery failed",
						zap.String("account", maskEmail(acct.email)), zap.Error(err))
				}
			}
		}
	}
}

// handleCommand decodes a command received on the local broker and
// dispatches it to the owning cloud account. Commands are
// fire-and-forget: rejected ones are logged and dropped without a
// response.
func (b *Bridge) handleCommand(mac string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("discarding malformed command", zap.String("mac", mac), zap.Error(err))
		return
	}

	write, err := resolveCommand(cmd)
	if err != nil {
		b.logger.Warn("rejecting command", zap.String("mac", mac), zap.String("action", cmd.Action), zap.Error(err))
		return
	}

	acct := b.accountForDevice(mac)
	if acct == nil {
		b.logger.Warn("no account owns device", zap.String("mac", mac))
		return
	}

	if err := acct.dispatch(mac, write); err != nil {
		b.logger.Error("failed to dispatch command",
			zap.String("mac", mac), zap.String("action", cmd.Action), zap.Error(err))
		return
	}
	b.metrics.CommandsDispatched.WithLabelValues(cmd.Action).Inc()
}

func (b *Bridge) accountForDevice(mac string) *cloudAccount {
	for _, acct := range b.accounts {
		if acct.owns(mac) {
			return acct
		}
	}
	return nil
}

func (b *Bridge) deviceFor(mac string) (cache.Device, bool) {
	for _, acct := range b.accounts {
		acct.mu.Lock()
		device, ok := acct.devices[mac]
		acct.mu.Unlock()
		if ok {
			return device, true
		}
	}
	return cache.Device{}, false
}

// shutdown publishes the retained offline records (bridge status and
// per-device availability), sends the cloud DISCONNECTs, and tears down
// the broker connection. The broker's retained state is the durable
// record of the bridge having been here.
func (b *Bridge) shutdown() {
	b.publishStatus("offline")

	for _, acct := range b.accounts {
		for _, mac := range acct.macs() {
			if err := b.broker.PublishAvailability(mac, false); err != nil {
				b.logger.Warn("failed to publish offline availability", zap.String("mac", mac), zap.Error(err))
			}
		}
		if err := acct.ws.Close(); err != nil {
			b.logger.Debug("cloud disconnect", zap.Error(err))
		}
	}

	b.broker.Disconnect()
}

package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fossibot-bridge/internal/auth"
	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/cloudws"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/modbus"
	"fossibot-bridge/internal/reconnect"
	"fossibot-bridge/internal/statestore"
)

// settingsWrite is one queued settings-register write. Settings writes
// issued faster than the spacing interval are silently dropped by the
// device firmware, so they are serialized through a per-account worker.
type settingsWrite struct {
	mac      string
	register uint16
	value    uint16
}

// cloudAccount owns one vendor-cloud login's full lifecycle: the auth
// handshake, the websocket transport, device discovery, and the
// settings-write pacing for that account's devices.
type cloudAccount struct {
	email    string
	password string

	engine    *auth.Engine
	ws        *cloudws.Client
	escalator *reconnect.AuthEscalator
	store     *statestore.Store
	cache     *cache.DeviceCache
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu             sync.Mutex
	devices        map[string]cache.Device
	deviceMACs     []string
	lastSeen       map[string]time.Time
	lastCommand    map[string]time.Time
	escalationStep int

	settingsCh chan settingsWrite

	// onUpdate fires after a register read lands in the state store;
	// onAvailability fires when a device's reachability flips.
	onUpdate       func(mac string)
	onAvailability func(mac string, online bool)

	settingsSpacing time.Duration
	refreshDelay    time.Duration
	postCommandSkip time.Duration
}

type accountOptions struct {
	cloudEndpoint   string
	caFile          string
	reconnectMin    time.Duration
	reconnectMax    time.Duration
	settingsSpacing time.Duration
	refreshDelay    time.Duration
	postCommandSkip time.Duration
}

func newCloudAccount(email, password string, opts accountOptions, engine *auth.Engine, store *statestore.Store, deviceCache *cache.DeviceCache, m *metrics.Metrics, logger *zap.Logger) *cloudAccount {
	a := &cloudAccount{
		email:           email,
		password:        password,
		engine:          engine,
		store:           store,
		cache:           deviceCache,
		metrics:         m,
		devices:         make(map[string]cache.Device),
		lastSeen:        make(map[string]time.Time),
		lastCommand:     make(map[string]time.Time),
		settingsCh:      make(chan settingsWrite, 16),
		settingsSpacing: opts.settingsSpacing,
		refreshDelay:    opts.refreshDelay,
		postCommandSkip: opts.postCommandSkip,
		logger:          logger.With(zap.String("account", maskEmail(email))),
	}
	a.escalator = reconnect.NewAuthEscalator(email, engine, a.logger, 5, 5*time.Minute)

	a.ws = cloudws.New(cloudws.Config{
		Endpoint:          opts.cloudEndpoint,
		CAFile:            opts.caFile,
		ReconnectDelayMin: opts.reconnectMin,
		ReconnectDelayMax: opts.reconnectMax,
	}, a.mqttToken, cloudws.Handlers{
		OnConnect:    a.handleConnect,
		OnMessage:    a.handleCloudMessage,
		OnDisconnect: a.handleDisconnect,
		OnError: func(err error) {
			a.logger.Warn("cloud transport error", zap.Error(err))
		},
		OnReconnectScheduled: func(delay time.Duration) {
			a.metrics.ReconnectsTotal.WithLabelValues("tier1").Inc()
		},
		OnAuthFailure: a.handleAuthFailure,
	}, a.logger)

	return a
}

// run starts the websocket reconnect loop and the settings-write
// worker, blocking until ctx is cancelled.
func (a *cloudAccount) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.settingsWorker(ctx)
	}()

	a.ws.Run(ctx, cloudws.NewClientID())
	wg.Wait()
}

// mqttToken is the cloudws token source: the cache-first handshake runs
// before every connection attempt, so a Tier-2 cache purge makes the
// next attempt carry a freshly minted credential.
func (a *cloudAccount) mqttToken(ctx context.Context) (string, error) {
	tokens, err := a.engine.GetTokens(ctx, auth.Account{Email: a.email, Password: a.password})
	if err != nil {
		return "", err
	}
	return tokens.MQTT, nil
}

// discoverDevices returns the account's device inventory, consulting
// the device cache before making the signed HTTP discovery call.
func (a *cloudAccount) discoverDevices(ctx context.Context) ([]cache.Device, error) {
	if devices, ok := a.cache.Get(a.email); ok {
		a.metrics.CacheHits.WithLabelValues("devices").Inc()
		a.setDevices(devices)
		return devices, nil
	}
	a.metrics.CacheMisses.WithLabelValues("devices").Inc()

	devices, err := a.engine.ListDevices(ctx, auth.Account{Email: a.email, Password: a.password})
	if err != nil {
		return nil, err
	}
	if err := a.cache.Put(a.email, devices); err != nil {
		a.logger.Warn("failed to cache device list", zap.Error(err))
	}
	a.setDevices(devices)
	a.logger.Info("discovered devices", zap.Int("count", len(devices)))
	return devices, nil
}

func (a *cloudAccount) setDevices(devices []cache.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = make(map[string]cache.Device, len(devices))
	a.deviceMACs = a.deviceMACs[:0]
	for _, d := range devices {
		a.devices[d.MAC] = d
		a.deviceMACs = append(a.deviceMACs, d.MAC)
	}
}

func (a *cloudAccount) macs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deviceMACs...)
}

func (a *cloudAccount) owns(mac string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.devices[mac]
	return ok
}

// handleConnect resubscribes every device's three response topics and
// marks the account's devices reachable again.
func (a *cloudAccount) handleConnect() {
	a.logger.Info("cloud account connected")
	a.escalator.Reset()
	a.mu.Lock()
	a.escalationStep = 0
	a.mu.Unlock()

	for _, mac := range a.macs() {
		for _, topic := range []string{cloudClient04Topic(mac), cloudClientDataTopic(mac), cloudStateTopic(mac)} {
			if err := a.ws.Subscribe(topic, 1); err != nil {
				a.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		if a.onAvailability != nil {
			a.onAvailability(mac, true)
		}
	}
}

func (a *cloudAccount) handleDisconnect(err error) {
	for _, mac := range a.macs() {
		if a.onAvailability != nil {
			a.onAvailability(mac, false)
		}
	}
}

// handleAuthFailure walks the Tier-2 escalation: purge the mqtt token
// first, then login+mqtt, then everything. Exhausting the walk-back
// puts the account into its fatal cooldown without affecting others.
func (a *cloudAccount) handleAuthFailure(reason error) time.Duration {
	a.mu.Lock()
	step := a.escalationStep
	a.escalationStep++
	a.mu.Unlock()

	a.metrics.ReconnectsTotal.WithLabelValues("tier2").Inc()
	a.logger.Warn("cloud authentication failure, escalating",
		zap.Int("step", step), zap.Error(reason))

	cooldown, fatal := a.escalator.Escalate(step)
	if fatal {
		a.logger.Error("account entering fatal cooldown", zap.Duration("cooldown", cooldown))
		return cooldown
	}
	return 0
}

// handleCloudMessage decodes a modbus response frame carried on one of
// the response topics and folds it into the shared state store.
func (a *cloudAccount) handleCloudMessage(topic string, payload []byte) {
	mac, kind := parseResponseTopic(topic)
	if kind == responseUnknown || !a.owns(mac) {
		return
	}

	now := time.Now()
	a.mu.Lock()
	a.lastSeen[mac] = now
	a.mu.Unlock()

	if kind == responseState {
		// Session presence event; carries no register data.
		if a.onAvailability != nil {
			a.onAvailability(mac, true)
		}
		return
	}

	regs, present, err := modbus.ParseReadResponse(payload)
	if err != nil {
		// A write-single-register echo arrives on /client/04 with the
		// same framing family; it confirms the write but carries no
		// snapshot data worth merging.
		if _, _, echoErr := modbus.ParseWriteEcho(payload); echoErr == nil {
			a.logger.Debug("write echo acknowledged", zap.String("mac", mac))
			return
		}
		a.logger.Warn("discarding unparseable modbus response",
			zap.String("mac", mac), zap.Error(err))
		return
	}

	var cloudTopic statestore.Topic
	var label string
	switch kind {
	case responseClient04:
		cloudTopic, label = statestore.TopicClient04, "client04"
	case responseClientData:
		cloudTopic, label = statestore.TopicClientData, "data"
	}

	a.store.Apply(mac, regs, present, cloudTopic, now)
	a.metrics.MessagesTranslated.WithLabelValues(label).Inc()

	if a.onUpdate != nil {
		a.onUpdate(mac)
	}
}

// dispatch sends a resolved command. Output toggles go out immediately
// (the device coalesces back-to-back writes); settings writes are
// queued so the worker can enforce the per-device spacing.
func (a *cloudAccount) dispatch(mac string, write writeRequest) error {
	if !write.Settings {
		a.recordCommand(mac)
		frame := modbus.BuildWriteRequest(write.Register, write.Value)
		return a.ws.Publish(cloudRequestTopic(mac), frame, 1)
	}

	select {
	case a.settingsCh <- settingsWrite{mac: mac, register: write.Register, value: write.Value}:
		return nil
	default:
		a.logger.Warn("settings queue full, dropping command",
			zap.String("mac", mac), zap.Uint16("register", write.Register))
		return nil
	}
}

// settingsWorker drains the settings queue, enforcing the per-device
// spacing and scheduling the delayed refresh poll that fetches the new
// value (settings writes produce no immediate /client/04 response).
func (a *cloudAccount) settingsWorker(ctx context.Context) {
	lastSend := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-a.settingsCh:
			if wait := a.settingsSpacing - time.Since(lastSend[w.mac]); wait > 0 {
				a.logger.Info("delaying settings write to honor device spacing",
					zap.String("mac", w.mac), zap.Duration("delay", wait))
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}

			lastSend[w.mac] = time.Now()
			a.recordCommand(w.mac)
			frame := modbus.BuildWriteRequest(w.register, w.value)
			if err := a.ws.Publish(cloudRequestTopic(w.mac), frame, 1); err != nil {
				a.logger.Warn("settings write failed",
					zap.String("mac", w.mac), zap.Uint16("register", w.register), zap.Error(err))
				continue
			}

			mac := w.mac
			time.AfterFunc(a.refreshDelay, func() {
				if err := a.pollDevice(mac, true); err != nil {
					a.logger.Warn("post-settings refresh failed", zap.String("mac", mac), zap.Error(err))
				}
			})
		}
	}
}

func (a *cloudAccount) recordCommand(mac string) {
	a.mu.Lock()
	a.lastCommand[mac] = time.Now()
	a.mu.Unlock()
}

// pollDevice publishes a read request covering the full register
// snapshot. Periodic polls are skipped briefly after a command so they
// don't collide with the in-flight response; forced polls (the
// post-settings refresh) go out regardless.
func (a *cloudAccount) pollDevice(mac string, force bool) error {
	if !force {
		a.mu.Lock()
		last := a.lastCommand[mac]
		a.mu.Unlock()
		if time.Since(last) < a.postCommandSkip {
			return nil
		}
	}

	frame := modbus.BuildReadRequest(0, modbus.RegisterCount)
	return a.ws.Publish(cloudRequestTopic(mac), frame, 1)
}

// lastSeenAt returns the last time any response arrived for mac.
func (a *cloudAccount) lastSeenAt(mac string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen[mac]
}

// maskEmail keeps only the first and last character of the local part,
// e.g. "jonathan@example.com" becomes "j***n@example.com".
func maskEmail(email string) string {
	at := -1
	for i, r := range email {
		if r == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return "***"
	}
	local, domain := email[:at], email[at:]
	if len(local) < 2 {
		return local + "***" + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

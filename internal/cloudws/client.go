package cloudws

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelayMin = 5 * time.Second
	defaultReconnectDelayMax = 60 * time.Second
	defaultConnectTimeout    = 30 * time.Second
	defaultConnAckTimeout    = 15 * time.Second
	keepAlive                = 60 * time.Second
	pubAckTimeout            = 10 * time.Second

	// minAttemptSpacing is the floor between two connection attempts to
	// one endpoint, enforced even when the backoff schedule is shorter.
	minAttemptSpacing = 5 * time.Second

	// tier2FailureThreshold is how many consecutive transport failures
	// escalate from Tier-1 reconnects to Tier-2 re-authentication.
	tier2FailureThreshold = 3

	fixedPassword = "helloyou"
)

// State is the connection lifecycle position of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateWSConnecting
	StateMQTTHandshake
	StateSubscribing
	StateConnected
	StateReconnectScheduled
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateWSConnecting:
		return "ws_connecting"
	case StateMQTTHandshake:
		return "mqtt_handshake"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// ConnAckError is returned when the cloud refuses the MQTT CONNECT.
type ConnAckError struct {
	Code byte
}

func (e *ConnAckError) Error() string {
	return fmt.Sprintf("cloudws: connack refused with code %d", e.Code)
}

// CredentialRejected reports whether the refusal means the mqtt token
// is bad (codes 4 and 5) rather than a transient server condition.
func (e *ConnAckError) CredentialRejected() bool {
	return e.Code == 4 || e.Code == 5
}

// TokenSource supplies the mqtt token for a connection attempt. It is
// called before every attempt so a Tier-2 purge-and-refetch naturally
// yields a fresh credential on the next dial.
type TokenSource func(ctx context.Context) (string, error)

// Config configures a Client's connection to the vendor cloud's
// WebSocket-MQTT endpoint.
type Config struct {
	Endpoint          string
	CAFile            string
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
	ConnectTimeout    time.Duration
	ConnAckTimeout    time.Duration
}

// Handlers are the callbacks a Client invokes as connection events
// occur. All are optional; nil handlers are simply skipped.
type Handlers struct {
	OnConnect            func()
	OnMessage            func(topic string, payload []byte)
	OnDisconnect         func(err error)
	OnError              func(err error)
	OnReconnectScheduled func(delay time.Duration)

	// OnAuthFailure is invoked when the failure pattern calls for Tier-2
	// re-authentication: a CONNACK credential refusal, a token fetch
	// error, or three consecutive transport failures. The returned
	// cooldown, when nonzero, replaces the normal backoff delay (used
	// once the account has exhausted its full-handshake retries).
	OnAuthFailure func(reason error) (cooldown time.Duration)
}

// Client is a single vendor-cloud account's MQTT-over-WebSocket
// connection, including its own Tier-1 reconnect loop.
type Client struct {
	cfg      Config
	tokens   TokenSource
	handlers Handlers
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   State

	packetID    uint16
	pidMu       sync.Mutex
	reassembler packetReassembler

	pendingMu   sync.Mutex
	pendingSubs map[uint16]string
	pendingPubs map[uint16]pendingPublish
	activeSubs  map[string]bool
}

type pendingPublish struct {
	topic string
	sent  time.Time
}

// New constructs a Client. Call Run to start the connect-and-reconnect
// loop; it blocks until ctx is cancelled.
func New(cfg Config, tokens TokenSource, handlers Handlers, logger *zap.Logger) *Client {
	if cfg.ReconnectDelayMin <= 0 {
		cfg.ReconnectDelayMin = defaultReconnectDelayMin
	}
	if cfg.ReconnectDelayMax <= 0 {
		cfg.ReconnectDelayMax = defaultReconnectDelayMax
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ConnAckTimeout <= 0 {
		cfg.ConnAckTimeout = defaultConnAckTimeout
	}
	return &Client{
		cfg:         cfg,
		tokens:      tokens,
		handlers:    handlers,
		logger:      logger,
		pendingSubs: make(map[uint16]string),
		pendingPubs: make(map[uint16]pendingPublish),
		activeSubs:  make(map[string]bool),
	}
}

// NewClientID produces a client_<24 hex>_<unix ms> identifier, matching
// the format the vendor cloud expects from its own app clients.
// Deviating from this format may be rejected server-side.
func NewClientID() string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	return fmt.Sprintf("client_%s_%d", hex.EncodeToString(raw), time.Now().UnixMilli())
}

// Run connects and reconnects with Tier-1 backoff until ctx is
// cancelled. Credential refusals and repeated transport failures are
// escalated through Handlers.OnAuthFailure (Tier-2).
func (c *Client) Run(ctx context.Context, clientID string) {
	delay := c.cfg.ReconnectDelayMin
	consecutiveFailures := 0

	for {
		attemptStart := time.Now()

		established, err := c.connectAndServe(ctx, clientID)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		if established {
			// The session reached CONNECTED before it died, so the
			// backoff schedule starts over.
			consecutiveFailures = 0
			delay = c.cfg.ReconnectDelayMin
		} else {
			consecutiveFailures++
		}

		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}

		var cooldown time.Duration
		var connAckErr *ConnAckError
		credentialFailure := errors.As(err, &connAckErr) && connAckErr.CredentialRejected()
		if credentialFailure || errors.Is(err, errTokenFetch) || consecutiveFailures >= tier2FailureThreshold {
			if c.handlers.OnAuthFailure != nil {
				cooldown = c.handlers.OnAuthFailure(err)
			}
			consecutiveFailures = 0
		} else if err != nil && c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}

		wait := delay
		if cooldown > 0 {
			wait = cooldown
			c.setState(StateFatal)
		} else {
			c.setState(StateReconnectScheduled)
		}
		if elapsed := time.Since(attemptStart); wait < minAttemptSpacing-elapsed {
			wait = minAttemptSpacing - elapsed
		}

		if c.handlers.OnReconnectScheduled != nil {
			c.handlers.OnReconnectScheduled(wait)
		}
		c.logger.Warn("cloud connection lost, reconnecting",
			zap.Duration("delay", wait), zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		delay *= 2
		if delay > c.cfg.ReconnectDelayMax {
			delay = c.cfg.ReconnectDelayMax
		}
	}
}

// errTokenFetch wraps token source failures so Run can route them to
// the Tier-2 path instead of plain transport backoff.
var errTokenFetch = errors.New("cloudws: token fetch failed")

// connectAndServe performs one full connection lifetime: token fetch,
// WebSocket dial, MQTT CONNECT/CONNACK, then the read loop. It reports
// whether the session reached CONNECTED, and returns a nil error only
// when the connection ended because ctx was cancelled.
func (c *Client) connectAndServe(ctx context.Context, clientID string) (bool, error) {
	c.setState(StateAuthenticating)
	token, err := c.tokens(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errTokenFetch, err)
	}

	c.setState(StateWSConnecting)
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	if c.cfg.CAFile != "" {
		tlsCfg, err := loadCAConfig(c.cfg.CAFile)
		if err != nil {
			return false, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.Endpoint, http.Header{})
	if err != nil {
		return false, fmt.Errorf("cloudws: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.reassembler.Reset()
	c.clearPending()

	c.setState(StateMQTTHandshake)
	connectPkt := encodeConnect(clientID, token, fixedPassword, uint16(keepAlive/time.Second))
	if err := c.writeRaw(connectPkt); err != nil {
		return false, fmt.Errorf("cloudws: send connect: %w", err)
	}

	trailing, err := c.awaitConnAck(conn)
	if err != nil {
		return false, err
	}

	c.setState(StateSubscribing)
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
	c.setState(StateConnected)
	c.logger.Info("cloud mqtt session established", zap.String("client_id", clientID))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop on cancellation, sending the protocol
	// DISCONNECT first when this is an orderly shutdown.
	go func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			_ = c.writeRaw(encodeDisconnect())
		}
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(connCtx)
	}()

	for _, pkt := range trailing {
		if err := c.handlePacket(pkt); err != nil {
			c.logger.Warn("cloudws: dropping malformed packet",
				zap.Uint8("type", pkt.Type), zap.Error(err))
		}
	}

	readErr := c.readLoop(conn)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return true, nil
	}
	return true, readErr
}

// awaitConnAck reads packets until the CONNACK arrives, enforcing the
// handshake deadline. Anything other than an accepting CONNACK is an
// error that tears the connection down. Packets concatenated behind
// the CONNACK in the same WebSocket frame are returned for handling.
func (c *Client) awaitConnAck(conn *websocket.Conn) ([]inboundPacket, error) {
	deadline := time.Now().Add(c.cfg.ConnAckTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("cloudws: set connack deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("cloudws: waiting for connack: %w", err)
		}
		packets := c.reassembler.Feed(data)
		if len(packets) == 0 {
			continue
		}
		if packets[0].Type != pktConnAck {
			return nil, fmt.Errorf("cloudws: expected connack, got packet type %d", packets[0].Type)
		}
		ack, err := decodeConnAck(packets[0])
		if err != nil {
			return nil, err
		}
		if ack.ReturnCode != 0 {
			return nil, &ConnAckError{Code: ack.ReturnCode}
		}
		return packets[1:], nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	// Absence of any traffic for 1.5x the keep-alive means the
	// connection is dead regardless of what the TCP layer thinks.
	idleLimit := keepAlive + keepAlive/2
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleLimit))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		for _, pkt := range c.reassembler.Feed(data) {
			if err := c.handlePacket(pkt); err != nil {
				// Malformed packets are dropped without reconnecting;
				// the connection itself is still healthy.
				c.logger.Warn("cloudws: dropping malformed packet",
					zap.Uint8("type", pkt.Type), zap.Error(err))
			}
		}
	}
}

func (c *Client) handlePacket(pkt inboundPacket) error {
	switch pkt.Type {
	case pktPublish:
		pub, err := decodePublish(pkt)
		if err != nil {
			return err
		}
		if pub.QoS == 1 {
			if err := c.writeRaw(encodePubAck(pub.PacketID)); err != nil {
				return fmt.Errorf("cloudws: puback: %w", err)
			}
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(pub.Topic, pub.Payload)
		}
		return nil

	case pktSubAck:
		pid, err := decodeAckPacketID(pkt)
		if err != nil {
			return err
		}
		c.pendingMu.Lock()
		topic, ok := c.pendingSubs[pid]
		if ok {
			delete(c.pendingSubs, pid)
			c.activeSubs[topic] = true
		}
		c.pendingMu.Unlock()
		if ok {
			c.logger.Debug("cloudws: subscription active", zap.String("topic", topic))
		}
		return nil

	case pktPubAck:
		pid, err := decodeAckPacketID(pkt)
		if err != nil {
			return err
		}
		c.pendingMu.Lock()
		delete(c.pendingPubs, pid)
		c.pendingMu.Unlock()
		return nil

	case pktPingResp:
		return nil

	default:
		return fmt.Errorf("cloudws: unexpected packet type %d", pkt.Type)
	}
}

// pingLoop sends PINGREQ every half keep-alive and sweeps QoS-1
// publishes that never saw a PUBACK. There is no retransmission: the
// poll timer will refresh state soon enough.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeRaw(encodePingReq()); err != nil {
				c.logger.Warn("cloudws: ping failed", zap.Error(err))
				return
			}
			c.sweepStalePublishes()
		}
	}
}

func (c *Client) sweepStalePublishes() {
	now := time.Now()
	c.pendingMu.Lock()
	for pid, pub := range c.pendingPubs {
		if now.Sub(pub.sent) > pubAckTimeout {
			c.logger.Warn("cloudws: no puback received, abandoning",
				zap.Uint16("packet_id", pid), zap.String("topic", pub.topic))
			delete(c.pendingPubs, pid)
		}
	}
	c.pendingMu.Unlock()
}

// Subscribe sends a SUBSCRIBE for topic at the given QoS. The
// subscription is recorded as pending until its SUBACK arrives.
func (c *Client) Subscribe(topic string, qos byte) error {
	pid := c.nextPacketID()
	c.pendingMu.Lock()
	c.pendingSubs[pid] = topic
	c.pendingMu.Unlock()
	return c.writeRaw(encodeSubscribe(pid, topic, qos))
}

// Publish sends a PUBLISH for topic. QoS-1 publishes are tracked until
// their PUBACK, but never retransmitted.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	var pid uint16
	if qos > 0 {
		pid = c.nextPacketID()
		c.pendingMu.Lock()
		c.pendingPubs[pid] = pendingPublish{topic: topic, sent: time.Now()}
		c.pendingMu.Unlock()
	}
	return c.writeRaw(encodePublish(topic, payload, qos, pid))
}

// Close sends DISCONNECT and tears down the underlying connection.
func (c *Client) Close() error {
	_ = c.writeRaw(encodeDisconnect())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected reports whether the client currently holds a live,
// fully handshaken connection.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) clearPending() {
	c.pendingMu.Lock()
	c.pendingSubs = make(map[uint16]string)
	c.pendingPubs = make(map[uint16]pendingPublish)
	c.activeSubs = make(map[string]bool)
	c.pendingMu.Unlock()
}

func (c *Client) writeRaw(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("cloudws: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// nextPacketID returns the next MQTT packet identifier, cycling
// 1..65535 and never returning 0 (reserved by the protocol).
func (c *Client) nextPacketID() uint16 {
	c.pidMu.Lock()
	defer c.pidMu.Unlock()
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// loadCAConfig builds a TLS config trusting exactly the bundled CA.
func loadCAConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("cloudws: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("cloudws: no certificates parsed from %s", caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Package brokerclient wraps the local, standard MQTT 3.1.1 broker
// connection (Mosquitto or equivalent) that the bridge publishes
// translated device state to and receives commands from.
package brokerclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config configures the connection to the local broker.
type Config struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	TLS            struct {
		Enabled  bool   `yaml:"enabled"`
		Insecure bool   `yaml:"insecure"`
		CAFile   string `yaml:"ca_file"`
	} `yaml:"tls"`
}

// CommandHandler is invoked for every message received on a device's
// command topic. mac is extracted from the topic itself.
type CommandHandler func(mac string, payload []byte)

// Client is a thin wrapper around paho's MQTT client scoped to the
// local broker's fossibot/{mac}/... topic tree.
type Client struct {
	client mqtt.Client
	cfg    Config
	logger *zap.Logger

	connected int32 // atomic
}

// New constructs a Client and registers onCommand for every message
// published under fossibot/+/command. Connect must be called
// separately.
func New(cfg Config, logger *zap.Logger, onCommand CommandHandler) *Client {
	c := &Client{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWriteTimeout(cfg.WriteTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS.Enabled {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.Insecure})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		atomic.StoreInt32(&c.connected, 1)
		c.logger.Info("connected to local broker")
		if token := client.Subscribe("fossibot/+/command", cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			mac := extractMAC(msg.Topic())
			if mac == "" {
				c.logger.Warn("command received on malformed topic", zap.String("topic", msg.Topic()))
				return
			}
			onCommand(mac, msg.Payload())
		}); token.Wait() && token.Error() != nil {
			c.logger.Error("failed to subscribe to command topic", zap.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		atomic.StoreInt32(&c.connected, 0)
		c.logger.Warn("lost connection to local broker", zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect blocks until the broker connection succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("brokerclient: connect: %w", err)
	}
	return nil
}

// Disconnect quiesces and closes the connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	atomic.StoreInt32(&c.connected, 0)
}

// IsConnected reports whether the client currently holds a live
// connection to the local broker.
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// PublishState publishes a device's state JSON, retained, at QoS 1.
func (c *Client) PublishState(mac string, state interface{}) error {
	return c.publishJSON(fmt.Sprintf("fossibot/%s/state", mac), state, true)
}

// PublishAvailability publishes an "online"/"offline" payload for a
// device, retained, at QoS 1.
func (c *Client) PublishAvailability(mac string, online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return c.publish(fmt.Sprintf("fossibot/%s/availability", mac), []byte(status), true)
}

// PublishBridgeStatus publishes the overall bridge status document,
// retained, at QoS 1.
func (c *Client) PublishBridgeStatus(status interface{}) error {
	return c.publishJSON("fossibot/bridge/status", status, true)
}

func (c *Client) publishJSON(topic string, v interface{}, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("brokerclient: marshal payload for %s: %w", topic, err)
	}
	return c.publish(topic, payload, retain)
}

func (c *Client) publish(topic string, payload []byte, retain bool) error {
	token := c.client.Publish(topic, c.cfg.QoS, retain, payload)
	if !token.WaitTimeout(c.cfg.WriteTimeout) {
		return fmt.Errorf("brokerclient: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("brokerclient: publish to %s: %w", topic, err)
	}
	return nil
}

// extractMAC pulls the mac segment out of a fossibot/{mac}/command topic.
func extractMAC(topic string) string {
	const prefix = "fossibot/"
	const suffix = "/command"
	if len(topic) <= len(prefix)+len(suffix) {
		return ""
	}
	if topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return ""
	}
	return topic[len(prefix) : len(topic)-len(suffix)]
}

package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
)

// Client is one broker session shared by every channel of a socket.
// Filters it subscribes are tracked and re-sent after paho reconnects,
// handler panics are recovered, and the session announces itself on a
// retained status topic backed by a Last Will.
type Client struct {
	paho     pahomqtt.Client
	clientID string
	qos      byte

	mu           sync.RWMutex
	up           bool
	onConnect    func()
	onDisconnect func(err error)
	log          Logger

	subMu sync.RWMutex
	subs  map[string]MessageHandler
}

// Logger receives handler failures. *slog.Logger and *logging.Logger
// satisfy it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one message. It runs on a paho goroutine; a
// returned error is logged and the message is still acknowledged.
type MessageHandler func(topic string, payload []byte) error

type newPahoClient func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// qosOf clamps the configured QoS into the MQTT range, defaulting to 1.
func qosOf(cfg config.MQTTConfig) byte {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return 1
	}
	return byte(cfg.QoS) //nolint:gosec // bounded above
}

// Connect opens a session with the broker in cfg. ctx bounds the
// handshake only; the session lives until Close.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	return connect(ctx, cfg, pahomqtt.NewClient)
}

func connect(ctx context.Context, cfg config.MQTTConfig, newClient newPahoClient) (*Client, error) {
	c := &Client{
		clientID: cfg.Broker.ClientID,
		qos:      qosOf(cfg),
		subs:     make(map[string]MessageHandler),
	}

	opts := pahoOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })

	c.paho = newClient(opts)
	if err := await(ctx, c.paho.Connect(), defaultConnectTimeout); err != nil {
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnect fires asynchronously and may still be pending.
	c.mu.Lock()
	c.up = true
	c.mu.Unlock()
	return c, nil
}

func (c *Client) connected() {
	c.mu.Lock()
	c.up = true
	callback := c.onConnect
	c.mu.Unlock()

	c.resubscribe()
	c.announce("online", "")
	if callback != nil {
		callback()
	}
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	c.up = false
	callback := c.onDisconnect
	c.mu.Unlock()

	if callback != nil {
		callback(err)
	}
}

// resubscribe re-sends every tracked filter. It runs on paho's connect
// goroutine, so it does not wait for the acknowledgements.
func (c *Client) resubscribe() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter, h := range c.subs {
		c.paho.Subscribe(filter, c.qos, c.deliver(h))
	}
}

func (c *Client) announce(status, reason string) pahomqtt.Token {
	return c.paho.Publish(StatusTopic(c.clientID), c.qos, true, presenceMessage(status, c.clientID, reason))
}

// Close announces a graceful offline status and disconnects. It is a
// no-op on a Client that never connected.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		if err := await(context.Background(), c.announce("offline", "graceful_shutdown"), defaultPublishTimeout); err != nil {
			c.logger().Warn("mqtt: offline status not delivered", "error", err)
		}
	}
	c.paho.Disconnect(quiesceMillis)

	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is currently usable.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.paho.IsConnected()
}

// SetOnConnect registers a callback run after every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect registers a callback run when the link drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets where handler failures are reported.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.log = logger
	c.mu.Unlock()
}

func (c *Client) logger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.log == nil {
		return discard{}
	}
	return c.log
}

type discard struct{}

func (discard) Error(string, ...any) {}
func (discard) Warn(string, ...any)  {}

// deliver adapts h to paho, logging its errors and recovering panics.
func (c *Client) deliver(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.logger().Error("mqtt: handler panicked", "topic", topic, "panic", r)
			}
		}()

		if err := h(topic, msg.Payload()); err != nil {
			c.logger().Warn("mqtt: handler failed", "topic", topic, "error", err)
		}
	}
}

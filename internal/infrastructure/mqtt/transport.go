package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/apilink/internal/apierr"
	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/internal/rtc"
)

// Default broker ports by scheme.
const (
	defaultPort    = 1883
	defaultTLSPort = 8883
)

// Register installs the MQTT transport on factory. Sockets declared with
// transport "mqtt" then connect to the broker in cfg, or to the broker
// named by an absolute mqtt://, mqtts://, tcp:// or ssl:// socket path.
func Register(factory *rtc.Factory, cfg config.MQTTConfig) {
	factory.Register(rtc.TransportMQTT, func(_ rtc.Config, rawURL string, opts rtc.Options) (rtc.Connection, error) {
		conn, err := NewConnection(rawURL, cfg, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Connection is an rtc.Connection over an MQTT broker. Channels map to
// topics below the socket path: channel "room-1" on socket path "/chat"
// is topic "chat/room-1". Payloads are the JSON messages themselves.
//
// Reconnection is delegated to paho; subscriptions survive it.
type Connection struct {
	url    string
	cfg    config.MQTTConfig
	topics Topics
	opts   rtc.Options
	logger rtc.Logger
	dial   func(ctx context.Context, cfg config.MQTTConfig) (*Client, error)

	connectMu sync.Mutex

	mu     sync.Mutex
	client *Client
	state  rtc.State
	subs   *rtc.Registry
}

// NewConnection returns an unconnected Connection for rawURL. Broker
// settings come from cfg unless rawURL names a broker itself. Each
// connection gets a unique client ID derived from cfg.Broker.ClientID.
func NewConnection(rawURL string, cfg config.MQTTConfig, opts rtc.Options) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apierr.Configurationf("Invalid MQTT socket URL %q: %v", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		cfg.Broker.TLS = false
		if err := brokerFromURL(&cfg.Broker, u, defaultPort); err != nil {
			return nil, err
		}
	case "mqtts", "ssl":
		cfg.Broker.TLS = true
		if err := brokerFromURL(&cfg.Broker, u, defaultTLSPort); err != nil {
			return nil, err
		}
	}
	if cfg.Broker.Host == "" {
		return nil, apierr.Configurationf("MQTT broker host is not configured")
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = defaultPort
	}

	prefix := cfg.Broker.ClientID
	if prefix == "" {
		prefix = DefaultPrefix
	}
	cfg.Broker.ClientID = prefix + "-" + uuid.NewString()[:8]

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Connection{
		url:    rawURL,
		cfg:    cfg,
		topics: Topics{Prefix: u.Path},
		opts:   opts,
		logger: logger,
		dial:   Connect,
		subs:   rtc.NewRegistry(),
	}, nil
}

func brokerFromURL(b *config.MQTTBrokerConfig, u *url.URL, port int) error {
	b.Host = u.Hostname()
	b.Port = port
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return apierr.Configurationf("Invalid MQTT broker port %q", p)
		}
		b.Port = n
	}
	return nil
}

// Topics returns the channel to topic mapping.
func (c *Connection) Topics() Topics {
	return c.topics
}

// Connect implements rtc.Connection.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(rtc.StateConnecting)
	c.mu.Unlock()

	c.logger.Debug("rtc: connecting", "transport", rtc.TransportMQTT, "url", c.url)

	client, err := c.dial(ctx, c.cfg)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(rtc.StateDisconnected)
		c.mu.Unlock()
		c.logger.Warn("rtc: connect failed", "transport", rtc.TransportMQTT, "url", c.url, "error", err)
		return fmt.Errorf("%w: %w", rtc.ErrDialFailed, err)
	}

	client.SetLogger(c.logger)
	client.SetOnDisconnect(func(err error) {
		c.mu.Lock()
		if c.client == client {
			c.setStateLocked(rtc.StateReconnecting)
		}
		c.mu.Unlock()
		c.logger.Warn("rtc: connection lost", "transport", rtc.TransportMQTT, "url", c.url, "error", err)
	})
	client.SetOnConnect(func() {
		c.mu.Lock()
		if c.client != client {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(rtc.StateConnected)
		c.mu.Unlock()
		c.announce(client)
	})

	c.mu.Lock()
	c.client = client
	c.setStateLocked(rtc.StateConnected)
	c.mu.Unlock()

	c.logger.Info("rtc: connected", "transport", rtc.TransportMQTT, "url", c.url)
	c.announce(client)
	return nil
}

// announce subscribes every registered channel the client does not track
// yet. Tracked topics are restored by the client itself.
func (c *Connection) announce(client *Client) {
	for _, ch := range c.subs.Names() {
		topic := c.topics.Channel(ch)
		if client.HasSubscription(topic) {
			continue
		}
		if err := client.Subscribe(context.Background(), topic, c.dispatcher(ch)); err != nil {
			c.logger.Warn("rtc: failed to restore subscription", "channel", ch, "error", err)
		}
	}
}

// dispatcher delivers a topic's messages to the channel's handlers.
// Payloads that are not JSON reach handlers as a JSON string.
func (c *Connection) dispatcher(channel string) MessageHandler {
	return func(_ string, payload []byte) error {
		msg := json.RawMessage(payload)
		if !json.Valid(payload) {
			b, err := json.Marshal(string(payload))
			if err != nil {
				return err
			}
			msg = b
		}
		c.subs.Dispatch(channel, msg, c.logger)
		return nil
	}
}

// ValidateChannel implements rtc.ChannelValidator: channels must be
// non-empty and free of wildcards.
func (c *Connection) ValidateChannel(channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return fmt.Errorf("%w: %w", rtc.ErrInvalidChannel, err)
	}
	return nil
}

// Subscribe implements rtc.Connection. An invalid channel registers
// nothing; Collection callers are stopped earlier by ValidateChannel.
func (c *Connection) Subscribe(channel string, handler rtc.Handler) func() {
	if err := c.ValidateChannel(channel); err != nil {
		c.logger.Warn("rtc: subscribe rejected", "channel", channel, "error", err)
		return func() {}
	}

	id, first := c.subs.Add(channel, handler)

	c.mu.Lock()
	client := c.client
	connected := c.state == rtc.StateConnected
	c.mu.Unlock()

	if first && client != nil && connected {
		if err := client.Subscribe(context.Background(), c.topics.Channel(channel), c.dispatcher(channel)); err != nil {
			c.logger.Warn("rtc: subscribe failed", "channel", channel, "error", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, id) })
	}
}

func (c *Connection) unsubscribe(channel string, id uint64) {
	if !c.subs.Remove(channel, id) {
		return
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}
	topic := c.topics.Channel(channel)
	if !client.HasSubscription(topic) {
		return
	}
	if err := client.Unsubscribe(context.Background(), topic); err != nil {
		c.logger.Warn("rtc: unsubscribe failed", "channel", channel, "error", err)
	}
}

// Publish implements rtc.Connection.
func (c *Connection) Publish(ctx context.Context, channel string, message any) error {
	if err := c.ValidateChannel(channel); err != nil {
		return err
	}
	return c.publish(ctx, c.topics.Channel(channel), message)
}

// Send implements rtc.Connection. Without a channel the payload goes to
// the socket's base topic.
func (c *Connection) Send(ctx context.Context, data any, channel string) error {
	if channel != "" {
		return c.Publish(ctx, channel, data)
	}
	return c.publish(ctx, c.topics.Base(), data)
}

func (c *Connection) publish(ctx context.Context, topic string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	client := c.client
	connected := c.state == rtc.StateConnected
	c.mu.Unlock()
	if client == nil || !connected {
		return rtc.ErrNotConnected
	}

	var payload []byte
	switch data := v.(type) {
	case []byte:
		payload = data
	case json.RawMessage:
		payload = data
	case string:
		payload = []byte(data)
	default:
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encoding payload: %w", rtc.ErrWriteFailed, err)
		}
	}

	if err := client.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("%w: %w", rtc.ErrWriteFailed, err)
	}
	return nil
}

// Disconnect implements rtc.Connection.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.setStateLocked(rtc.StateDisconnected)
	c.mu.Unlock()
	c.subs.Clear()

	if client == nil {
		return nil
	}
	return client.Close()
}

// IsConnected implements rtc.Connection.
func (c *Connection) IsConnected() bool {
	return c.State() == rtc.StateConnected
}

// State implements rtc.Connection.
func (c *Connection) State() rtc.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked records a transition and reports it. c.mu must be held.
func (c *Connection) setStateLocked(state rtc.State) {
	if c.state == state {
		return
	}
	c.state = state
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(c.url, state)
	}
}

package rtc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/apilink/internal/backoff"
)

// Transport names a real-time transport.
type Transport string

// Known transports.
const (
	TransportMQTT       Transport = "mqtt"
	TransportWebSockets Transport = "websockets"
	TransportSSE        Transport = "sse"
	TransportWebRTC     Transport = "webrtc"
)

// State is the lifecycle state of a Connection.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default reconnection settings.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = time.Second
)

// Handler receives messages published to a channel.
//
// A returned error is logged; it does not affect other handlers or the
// connection.
type Handler func(channel string, message json.RawMessage) error

// Connection is a bidirectional, channel-oriented real-time link.
type Connection interface {
	// Connect establishes the transport. It is a no-op when already
	// connected and resets the reconnect attempt counter otherwise.
	Connect(ctx context.Context) error

	// Disconnect closes the transport, stops any reconnection and clears
	// all subscriptions.
	Disconnect() error

	// Subscribe registers handler for channel and returns a function that
	// removes it. Registration works while disconnected; the channel is
	// announced once the transport is up.
	Subscribe(channel string, handler Handler) (unsubscribe func())

	// Publish sends message to every subscriber of channel.
	Publish(ctx context.Context, channel string, message any) error

	// Send writes data as-is, or as a publish frame when channel is set.
	Send(ctx context.Context, data any, channel string) error

	IsConnected() bool
	State() State
}

// ChannelValidator is implemented by connections that restrict channel
// names. Collections check it so an invalid channel fails the call instead
// of silently never receiving messages.
type ChannelValidator interface {
	ValidateChannel(channel string) error
}

// Config is a resolved socket endpoint.
type Config struct {
	Transport Transport
	// Path is appended to the base URL, or used as-is when absolute.
	Path    string
	Headers map[string]string
}

// Logger is the logging surface used by connections.
// *slog.Logger and *logging.Logger satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options tune connection behaviour. Zero values select the defaults.
type Options struct {
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration

	Logger Logger

	// Sleep waits between reconnect attempts. Tests replace it to observe
	// the schedule without waiting.
	Sleep backoff.SleepFunc

	// HTTPClient is used by SSE connections. It must not set a Timeout.
	HTTPClient *http.Client

	// Dialer is used by WebSocket connections.
	Dialer *websocket.Dialer

	// OnStateChange is called with the connection URL on every state
	// transition, while the connection's lock is held. It must not block
	// or call back into the connection.
	OnStateChange func(url string, state State)
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	if o.Sleep == nil {
		o.Sleep = backoff.Sleep
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

func (o Options) policy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   o.BaseDelay,
		MaxDelay:    o.MaxDelay,
		MaxAttempts: o.MaxReconnectAttempts,
	}
}

// Frame types.
const (
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
	typePublish     = "publish"
)

// controlFrame is an outbound frame.
type controlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Message any    `json:"message,omitempty"`
}

// inboundFrame is a message received from the server.
type inboundFrame struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

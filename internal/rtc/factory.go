package rtc

import (
	"strings"
	"sync"

	"github.com/nerrad567/apilink/internal/apierr"
)

// Constructor builds a Connection for a resolved endpoint URL.
type Constructor func(cfg Config, url string, opts Options) (Connection, error)

// Factory creates connections by transport name. It keeps no connections;
// callers own and reuse what it returns.
type Factory struct {
	opts Options

	mu           sync.RWMutex
	constructors map[Transport]Constructor
}

// NewFactory returns a Factory with the WebSocket and SSE transports
// registered. opts are passed to every connection it creates.
func NewFactory(opts Options) *Factory {
	f := &Factory{
		opts:         opts,
		constructors: make(map[Transport]Constructor),
	}
	f.Register(TransportWebSockets, func(cfg Config, url string, opts Options) (Connection, error) {
		return NewWebSocket(url, cfg.Headers, opts), nil
	})
	f.Register(TransportSSE, func(cfg Config, url string, opts Options) (Connection, error) {
		return NewSSE(url, cfg.Headers, opts), nil
	})
	return f
}

// Register installs the constructor for transport, replacing any existing
// one.
func (f *Factory) Register(transport Transport, ctor Constructor) {
	f.mu.Lock()
	f.constructors[transport] = ctor
	f.mu.Unlock()
}

// Options returns the options passed to created connections.
func (f *Factory) Options() Options {
	return f.opts
}

// Create returns a new, unconnected Connection for cfg relative to baseURL.
//
// Transports without a registered constructor fail with an
// *apierr.ConfigurationError; "mqtt" and "webrtc" report that they are not
// yet implemented.
func (f *Factory) Create(cfg Config, baseURL string) (Connection, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[cfg.Transport]
	f.mu.RUnlock()

	if !ok {
		switch cfg.Transport {
		case TransportMQTT:
			return nil, apierr.Configurationf("MQTT transport not yet implemented")
		case TransportWebRTC:
			return nil, apierr.Configurationf("WebRTC transport not yet implemented")
		default:
			return nil, apierr.Configurationf("Unsupported transport: %s", cfg.Transport)
		}
	}

	return ctor(cfg, ResolveURL(baseURL, cfg.Path), f.opts)
}

// ResolveURL joins path onto baseURL. Absolute paths (with a scheme) are
// returned unchanged.
func ResolveURL(baseURL, path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	if path == "" {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

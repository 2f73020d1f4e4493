package apiclient

import (
	"context"
	"sync/atomic"

	"github.com/nerrad567/apilink/internal/apierr"
)

var defaultManager atomic.Pointer[Manager]

// SetDefault installs m as the target of the package-level helpers.
func SetDefault(m *Manager) {
	defaultManager.Store(m)
}

// Default returns the manager installed by SetDefault, or nil.
func Default() *Manager {
	return defaultManager.Load()
}

func defaultOrErr() (*Manager, error) {
	m := Default()
	if m == nil {
		return nil, apierr.Configurationf("No default API manager configured")
	}
	return m, nil
}

// Send executes a command on the default manager.
func Send(ctx context.Context, name string, payload any, params *Params) (*Response, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.Send(ctx, name, payload, params)
}

// Query executes a query on the default manager.
func Query(ctx context.Context, name string, params *Params) (*Response, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.Query(ctx, name, params)
}

// QueryItem executes an item query on the default manager.
func QueryItem(ctx context.Context, name, itemID string, params *Params) (*Response, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.QueryItem(ctx, name, itemID, params)
}

// QueryMeta executes a cached metadata query on the default manager.
func QueryMeta(ctx context.Context, name string, params *Params) (*Response, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.QueryMeta(ctx, name, params)
}

// Request executes a request on the default manager.
func Request(ctx context.Context, name string, payload any, params *Params) (*Response, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.Request(ctx, name, payload, params)
}

// Subscribe subscribes through the default manager.
func Subscribe(ctx context.Context, socket, channel string, params *Params) (SubscribeFunc, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.Subscribe(ctx, socket, channel, params)
}

// Publish publishes through the default manager.
func Publish(ctx context.Context, socket, channel string, params *Params) (PublishFunc, error) {
	m, err := defaultOrErr()
	if err != nil {
		return nil, err
	}
	return m.Publish(ctx, socket, channel, params)
}

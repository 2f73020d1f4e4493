package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/url"
	"strings"
	"sync"

	"github.com/nerrad567/apilink/internal/apierr"
	"github.com/nerrad567/apilink/internal/metacache"
)

// CacheStats reports metadata cache size and effectiveness.
type CacheStats = metacache.Stats

// Manager registers collections and dispatches "collection:operation"
// names to them. A name without a collection prefix targets the default
// collection, which is the most recently registered one.
//
// QueryMeta responses are cached per collection, query and parameters.
type Manager struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	defaultName string

	cache  *metacache.Cache[*Response]
	logger Logger
}

type managerOptions struct {
	collectionOpts []Option
	cache          *metacache.Cache[*Response]
	logger         Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

// WithCollectionOptions applies opts to the collection NewManager creates.
func WithCollectionOptions(opts ...Option) ManagerOption {
	return func(o *managerOptions) { o.collectionOpts = append(o.collectionOpts, opts...) }
}

// WithMetadataCache replaces the default in-memory, unbounded metadata cache.
func WithMetadataCache(cache *metacache.Cache[*Response]) ManagerOption {
	return func(o *managerOptions) { o.cache = cache }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(o *managerOptions) { o.logger = logger }
}

// NewManager creates a Manager with one collection built from cfg.
func NewManager(cfg CollectionConfig, opts ...ManagerOption) (*Manager, error) {
	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	c, err := NewCollection(cfg, o.collectionOpts...)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		collections: make(map[string]*Collection),
		cache:       o.cache,
		logger:      o.logger,
	}
	if m.cache == nil {
		m.cache = metacache.New[*Response](nil, metacache.Policy{})
	}
	if m.logger == nil {
		m.logger = nopLogger{}
	}
	m.Register(c)
	return m, nil
}

// Register adds c and makes it the default collection. A collection with the
// same name is replaced.
func (m *Manager) Register(c *Collection) {
	m.mu.Lock()
	m.collections[c.Name()] = c
	m.defaultName = c.Name()
	m.mu.Unlock()
	m.logger.Debug("collection registered", "collection", c.Name(), "base_url", c.BaseURL())
}

// Collection returns the named collection; "" selects the default.
func (m *Manager) Collection(name string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		name = m.defaultName
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, apierr.Configurationf("Unknown collection: %s", name)
	}
	return c, nil
}

// Collections returns the registered collection names.
func (m *Manager) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.collections)
}

// ParseName splits "collection:operation". A name without a colon has an
// empty collection.
func ParseName(name string) (collection, operation string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func (m *Manager) resolve(name string) (*Collection, string, error) {
	collection, op := ParseName(name)
	if op == "" {
		return nil, "", apierr.Configurationf("Operation name is required")
	}
	c, err := m.Collection(collection)
	if err != nil {
		return nil, "", err
	}
	return c, op, nil
}

// Name returns the default collection's name.
func (m *Manager) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// BaseURL returns the default collection's base URL.
func (m *Manager) BaseURL() string {
	c, err := m.Collection("")
	if err != nil {
		return ""
	}
	return c.BaseURL()
}

// Send executes a command.
func (m *Manager) Send(ctx context.Context, name string, payload any, params *Params) (*Response, error) {
	c, op, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, op, payload, params)
}

// Query executes a query's list endpoint.
func (m *Manager) Query(ctx context.Context, name string, params *Params) (*Response, error) {
	c, op, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, op, params)
}

// QueryItem executes a query's item endpoint.
func (m *Manager) QueryItem(ctx context.Context, name, itemID string, params *Params) (*Response, error) {
	c, op, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.QueryItem(ctx, op, itemID, params)
}

// QueryMeta executes a query's metadata endpoint through the cache. A cached
// response is returned with Cache set and without a network call. Params
// with Cache set to false skip the lookup and refresh the entry.
func (m *Manager) QueryMeta(ctx context.Context, name string, params *Params) (*Response, error) {
	c, op, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	key := metacache.Key{Collection: c.Name(), Operation: op, Params: paramsKey(params)}
	load := func(ctx context.Context) (*Response, error) {
		return c.QueryMeta(ctx, op, params)
	}

	if params.cacheDisabled() {
		resp, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.cache.Set(ctx, key, resp); err != nil {
			m.logger.Warn("metadata cache write failed", "key", key.String(), "error", err)
		}
		return resp, nil
	}

	resp, hit, err := m.cache.GetOrLoad(ctx, key, load)
	switch {
	case errors.Is(err, metacache.ErrNotCached):
		m.logger.Warn("metadata cache write failed", "key", key.String(), "error", err)
		return copyResponse(resp), nil
	case errors.Is(err, metacache.ErrStore):
		m.logger.Warn("metadata cache unavailable, fetching directly", "key", key.String(), "error", err)
		return load(ctx)
	case err != nil:
		return nil, err
	case !hit:
		return copyResponse(resp), nil
	}

	out := copyResponse(resp)
	out.Cache = true
	c.notify(ctx, OperationEvent{
		Collection: c.Name(),
		Operation:  op,
		Kind:       KindQueryMeta,
		Method:     string(MethodGet),
		Status:     out.Status,
		Cached:     true,
		Time:       c.now(),
	})
	return out, nil
}

// copyResponse detaches a cached response from the stored one so callers
// may change its top-level fields and headers.
func copyResponse(r *Response) *Response {
	out := *r
	out.Headers = maps.Clone(r.Headers)
	return &out
}

// paramsKey canonicalises the parts of params that select a response.
// encoding/json sorts map keys, so equal params encode equally.
func paramsKey(p *Params) string {
	if p == nil {
		return "{}"
	}
	raw, _ := json.Marshal(struct { //nolint:errcheck // strings and maps always encode
		Search  url.Values        `json:"search,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
		Path    map[string]string `json:"path,omitempty"`
		Scope   string            `json:"scope,omitempty"`
	}{p.Search, p.Headers, p.Path, p.Scope})
	return string(raw)
}

// ClearMetadataCache drops every cached metadata response and resets the
// hit and miss counters.
func (m *Manager) ClearMetadataCache() {
	if err := m.cache.Clear(context.Background()); err != nil {
		m.logger.Warn("clearing metadata cache failed", "error", err)
	}
}

// InvalidateMetadata drops the cached response for one name and params.
func (m *Manager) InvalidateMetadata(ctx context.Context, name string, params *Params) error {
	c, op, err := m.resolve(name)
	if err != nil {
		return err
	}
	return m.cache.Delete(ctx, metacache.Key{Collection: c.Name(), Operation: op, Params: paramsKey(params)})
}

// MetadataCacheStats reports the metadata cache size and hit counters.
func (m *Manager) MetadataCacheStats() CacheStats {
	return m.cache.Stats(context.Background())
}

// Request executes a method-explicit request.
func (m *Manager) Request(ctx context.Context, name string, payload any, params *Params) (*Response, error) {
	c, op, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, op, payload, params)
}

// Subscribe returns a SubscribeFunc for channel on a socket.
func (m *Manager) Subscribe(ctx context.Context, socket, channel string, params *Params) (SubscribeFunc, error) {
	c, op, err := m.resolve(socket)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(ctx, op, channel, params)
}

// Publish returns a PublishFunc for channel on a socket.
func (m *Manager) Publish(ctx context.Context, socket, channel string, params *Params) (PublishFunc, error) {
	c, op, err := m.resolve(socket)
	if err != nil {
		return nil, err
	}
	return c.Publish(ctx, op, channel, params)
}

// Close closes every registered collection.
func (m *Manager) Close() error {
	m.mu.RLock()
	cols := make([]*Collection, 0, len(m.collections))
	for _, c := range m.collections {
		cols = append(cols, c)
	}
	m.mu.RUnlock()

	var errs []error
	for _, c := range cols {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

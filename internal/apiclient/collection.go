package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/apilink/internal/apierr"
	"github.com/nerrad567/apilink/internal/rtc"
)

// Collection executes the operations declared by a CollectionConfig.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - RTC connections are created once per socket, resolved path and
//     params and reused by later Subscribe and Publish calls.
type Collection struct {
	cfg       CollectionConfig
	client    Doer
	factory   *rtc.Factory
	logger    Logger
	observers []Observer
	now       func() time.Time

	connMu sync.Mutex
	conns  map[string]rtc.Connection
}

// Option configures a Collection.
type Option func(*Collection)

// WithHTTPClient sets the HTTP client. The default is an *http.Client with
// DefaultTimeout.
func WithHTTPClient(client Doer) Option {
	return func(c *Collection) { c.client = client }
}

// WithFactory sets the factory used to create RTC connections.
func WithFactory(factory *rtc.Factory) Option {
	return func(c *Collection) { c.factory = factory }
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Collection) { c.logger = logger }
}

// WithObservers adds operation observers.
func WithObservers(observers ...Observer) Option {
	return func(c *Collection) { c.observers = append(c.observers, observers...) }
}

// WithClock overrides the time source for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Collection) { c.now = now }
}

// NewCollection validates cfg and returns a Collection. cfg is copied; later
// changes to its maps have no effect.
func NewCollection(cfg CollectionConfig, opts ...Option) (*Collection, error) {
	if cfg.Name == "" {
		return nil, apierr.Configurationf("Collection name is required")
	}
	if strings.Contains(cfg.Name, ":") {
		return nil, apierr.Configurationf("Collection name %q must not contain ':'", cfg.Name)
	}
	for name, r := range cfg.Requests {
		if !r.Method.Valid() {
			return nil, apierr.Configurationf("Request %s has invalid method %q", name, r.Method)
		}
	}

	cfg.Commands = copyMap(cfg.Commands)
	cfg.Queries = copyMap(cfg.Queries)
	cfg.Sockets = copyMap(cfg.Sockets)
	cfg.Requests = copyMap(cfg.Requests)

	c := &Collection{
		cfg:   cfg,
		conns: make(map[string]rtc.Connection),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: DefaultTimeout}
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	if c.factory == nil {
		c.factory = rtc.NewFactory(rtc.Options{Logger: c.logger})
	}
	return c, nil
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.cfg.Name
}

// BaseURL returns the collection base URL.
func (c *Collection) BaseURL() string {
	return c.cfg.BaseURL
}

// Operations lists the declared operation names by kind, sorted.
func (c *Collection) Operations() map[string][]string {
	return map[string][]string{
		"commands": sortedKeys(c.cfg.Commands),
		"queries":  sortedKeys(c.cfg.Queries),
		"requests": sortedKeys(c.cfg.Requests),
		"sockets":  sortedKeys(c.cfg.Sockets),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Send executes the named command as a POST with payload.
func (c *Collection) Send(ctx context.Context, name string, payload any, params *Params) (*Response, error) {
	cmd, ok := c.cfg.Commands[name]
	if !ok {
		if !c.cfg.Dynamic {
			return nil, apierr.Configurationf("Unknown command: %s", name)
		}
		cmd = CommandPath(name)
	}

	data, err := c.processData(cmd.Data, payload)
	if err != nil {
		return nil, err
	}
	url, err := c.resolveURL(cmd.OperationConfig, cmd.Path, params, nil)
	if err != nil {
		return nil, err
	}
	headers, err := c.resolveHeaders(ctx, cmd.OperationConfig, params, data)
	if err != nil {
		return nil, err
	}

	return c.run(ctx, call{
		kind:    KindCommand,
		name:    name,
		method:  MethodPost,
		url:     url,
		headers: headers,
		body:    data,
		hasBody: true,
		process: c.responseProcessor(cmd.Response),
		noCache: params.cacheDisabled(),
	})
}

// Query executes the named query's list endpoint.
func (c *Collection) Query(ctx context.Context, name string, params *Params) (*Response, error) {
	q, err := c.query(name)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, KindQuery, name, q.OperationConfig, q.Path, params, nil, c.responseProcessor(q.Response))
}

// QueryItem executes the named query's single-item endpoint for itemID.
func (c *Collection) QueryItem(ctx context.Context, name, itemID string, params *Params) (*Response, error) {
	q, err := c.query(name)
	if err != nil {
		return nil, err
	}
	if itemID == "" {
		return nil, apierr.NewValidationError("id", "is required")
	}

	pattern := q.Item
	if pattern == "" {
		pattern = strings.TrimRight(q.Path, "/") + "/{id}"
	}
	return c.get(ctx, KindQueryItem, name, q.OperationConfig, pattern, params,
		map[string]string{"id": itemID}, c.responseProcessor(q.ItemResponse))
}

// QueryMeta executes the named query's metadata endpoint. It never consults
// a cache; see Manager.QueryMeta.
func (c *Collection) QueryMeta(ctx context.Context, name string, params *Params) (*Response, error) {
	q, err := c.query(name)
	if err != nil {
		return nil, err
	}
	if q.Meta == "" {
		return nil, apierr.Configurationf("Query %s has no meta endpoint", name)
	}
	return c.get(ctx, KindQueryMeta, name, q.OperationConfig, q.Meta, params, nil, c.responseProcessor(nil))
}

func (c *Collection) query(name string) (QueryConfig, error) {
	q, ok := c.cfg.Queries[name]
	if ok {
		return q, nil
	}
	if !c.cfg.Dynamic {
		return q, apierr.Configurationf("Unknown query: %s", name)
	}
	return QueryPath(name), nil
}

func (c *Collection) get(ctx context.Context, kind Kind, name string, op OperationConfig, pattern string,
	params *Params, extra map[string]string, process ResponseProcessor,
) (*Response, error) {
	url, err := c.resolveURL(op, pattern, params, extra)
	if err != nil {
		return nil, err
	}
	headers, err := c.resolveHeaders(ctx, op, params, nil)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, call{
		kind:    kind,
		name:    name,
		method:  MethodGet,
		url:     url,
		headers: headers,
		process: process,
		noCache: params.cacheDisabled(),
	})
}

// Request executes the named request with its configured method. A
// dynamic collection sends unknown names as GET, or POST with a payload.
func (c *Collection) Request(ctx context.Context, name string, payload any, params *Params) (*Response, error) {
	r, ok := c.cfg.Requests[name]
	if !ok {
		if !c.cfg.Dynamic {
			return nil, apierr.Configurationf("Unknown request: %s", name)
		}
		method := MethodGet
		if payload != nil {
			method = MethodPost
		}
		r = RequestPath(method, name)
	}
	if !r.Method.Valid() {
		return nil, apierr.Configurationf("Request %s has invalid method %q", name, r.Method)
	}

	hasBody := r.Method != MethodGet && r.Method != MethodHead
	data := payload
	if hasBody {
		var err error
		if data, err = c.processData(r.Data, payload); err != nil {
			return nil, err
		}
	}

	url, err := c.resolveURL(r.OperationConfig, r.Path, params, nil)
	if err != nil {
		return nil, err
	}
	headers, err := c.resolveHeaders(ctx, r.OperationConfig, params, data)
	if err != nil {
		return nil, err
	}

	return c.run(ctx, call{
		kind:    KindRequest,
		name:    name,
		method:  r.Method,
		url:     url,
		headers: headers,
		body:    data,
		hasBody: hasBody,
		process: c.responseProcessor(r.Response),
		noCache: params.cacheDisabled(),
	})
}

func (c *Collection) run(ctx context.Context, cl call) (*Response, error) {
	start := c.now()
	resp, err := c.execute(ctx, cl)

	ev := OperationEvent{
		Collection: c.cfg.Name,
		Operation:  cl.name,
		Kind:       cl.kind,
		Method:     string(cl.method),
		URL:        cl.url,
		Duration:   c.now().Sub(start),
		Err:        err,
		Time:       start,
	}
	if resp != nil {
		ev.Status = resp.Status
	}
	var httpErr *apierr.HTTPError
	if errors.As(err, &httpErr) {
		ev.Status = httpErr.Status
	}
	c.notify(ctx, ev)

	if err != nil {
		c.logger.Debug("api call failed", "collection", c.cfg.Name, "operation", cl.name, "error", err)
	}
	return resp, err
}

func (c *Collection) notify(ctx context.Context, ev OperationEvent) {
	for _, o := range c.observers {
		o.ObserveOperation(ctx, ev)
	}
}

func (c *Collection) processData(op DataProcessor, payload any) (any, error) {
	switch {
	case op != nil:
		return op(payload)
	case c.cfg.ProcessData != nil:
		return c.cfg.ProcessData(payload)
	default:
		return payload, nil
	}
}

func (c *Collection) responseProcessor(op ResponseProcessor) ResponseProcessor {
	switch {
	case op != nil:
		return op
	case c.cfg.ProcessResponse != nil:
		return c.cfg.ProcessResponse
	default:
		return Identity
	}
}

// resolvePath expands pattern with params and extra variables, or hands it
// to the operation's URI processor.
func (c *Collection) resolvePath(op OperationConfig, pattern string, params *Params, extra map[string]string) (string, error) {
	vars := make(map[string]string)
	var effective Params
	if params != nil {
		effective = *params
		for k, v := range params.Path {
			vars[k] = v
		}
		if params.Scope != "" {
			vars["scope"] = params.Scope
		}
	}
	for k, v := range extra {
		vars[k] = v
	}

	if op.URI != nil {
		effective.Path = vars
		path, err := op.URI(pattern, &effective)
		if err != nil {
			return "", fmt.Errorf("resolving uri: %w", err)
		}
		return path, nil
	}
	return expandPath(pattern, vars)
}

func (c *Collection) resolveURL(op OperationConfig, pattern string, params *Params, extra map[string]string) (string, error) {
	path, err := c.resolvePath(op, pattern, params, extra)
	if err != nil {
		return "", err
	}
	var search map[string][]string
	if params != nil {
		search = params.Search
	}
	return joinURL(c.cfg.BaseURL, path, search), nil
}

// resolveHeaders merges collection headers, operation headers and
// per-call headers, in increasing precedence.
func (c *Collection) resolveHeaders(ctx context.Context, op OperationConfig, params *Params, payload any) (map[string]string, error) {
	headers, err := MergeHeaders(c.cfg.ProcessHeaders, op.Headers)(ctx, params, payload)
	if err != nil {
		return nil, fmt.Errorf("resolving headers: %w", err)
	}
	if params != nil {
		for k, v := range params.Headers {
			headers[k] = v
		}
	}
	return headers, nil
}

// SubscribeFunc binds a handler to a channel and returns its unsubscribe
// function.
type SubscribeFunc func(handler rtc.Handler) (unsubscribe func())

// PublishFunc sends a message to a channel.
type PublishFunc func(ctx context.Context, message any) error

// Subscribe connects the named socket if needed and returns a function that
// binds handlers to channel.
func (c *Collection) Subscribe(ctx context.Context, socket, channel string, params *Params) (SubscribeFunc, error) {
	if channel == "" {
		return nil, apierr.NewValidationError("channel", "is required")
	}
	conn, err := c.connection(ctx, socket, params)
	if err != nil {
		return nil, err
	}
	if err := checkChannel(conn, channel); err != nil {
		return nil, err
	}
	return func(handler rtc.Handler) func() {
		return conn.Subscribe(channel, handler)
	}, nil
}

// Publish connects the named socket if needed and returns a function that
// publishes to channel.
func (c *Collection) Publish(ctx context.Context, socket, channel string, params *Params) (PublishFunc, error) {
	if channel == "" {
		return nil, apierr.NewValidationError("channel", "is required")
	}
	conn, err := c.connection(ctx, socket, params)
	if err != nil {
		return nil, err
	}
	if err := checkChannel(conn, channel); err != nil {
		return nil, err
	}
	return func(ctx context.Context, message any) error {
		return conn.Publish(ctx, channel, message)
	}, nil
}

func checkChannel(conn rtc.Connection, channel string) error {
	v, ok := conn.(rtc.ChannelValidator)
	if !ok {
		return nil
	}
	if err := v.ValidateChannel(channel); err != nil {
		return apierr.NewValidationError("channel", err.Error())
	}
	return nil
}

// Connection returns the connection for the named socket, creating and
// connecting it when needed.
func (c *Collection) Connection(ctx context.Context, socket string, params *Params) (rtc.Connection, error) {
	return c.connection(ctx, socket, params)
}

func (c *Collection) connection(ctx context.Context, socket string, params *Params) (rtc.Connection, error) {
	sock, ok := c.cfg.Sockets[socket]
	if !ok {
		return nil, apierr.Configurationf("Unknown socket: %s", socket)
	}
	transport := sock.Transport
	if transport == "" {
		transport = rtc.TransportWebSockets
	}

	path, err := c.resolvePath(sock.OperationConfig, sock.Path, params, nil)
	if err != nil {
		return nil, err
	}
	if params != nil && len(params.Search) > 0 {
		path = joinURL("", path, params.Search)
	}
	key := socket + "|" + path + "|" + paramsKey(params)

	c.connMu.Lock()
	conn, ok := c.conns[key]
	c.connMu.Unlock()

	if !ok {
		// Headers are fixed when the connection is created so processors
		// that vary per call do not open new sockets.
		headers, err := c.resolveHeaders(ctx, sock.OperationConfig, params, map[string]any{})
		if err != nil {
			return nil, err
		}
		created, err := c.factory.Create(rtc.Config{Transport: transport, Path: path, Headers: headers}, c.cfg.BaseURL)
		if err != nil {
			return nil, err
		}

		c.connMu.Lock()
		if conn, ok = c.conns[key]; !ok {
			conn = created
			c.conns[key] = conn
		}
		c.connMu.Unlock()
	}

	if !conn.IsConnected() {
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// Close disconnects every RTC connection opened by the collection.
func (c *Collection) Close() error {
	c.connMu.Lock()
	conns := c.conns
	c.conns = make(map[string]rtc.Connection)
	c.connMu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

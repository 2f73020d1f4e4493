package apiclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/nerrad567/apilink/internal/rtc"
)

// Method is an HTTP method.
type Method string

// Supported methods.
const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodHead    Method = "HEAD"
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodOptions, MethodHead:
		return true
	}
	return false
}

// OperationConfig holds the fields shared by every operation.
type OperationConfig struct {
	// Path is a URL path template relative to the collection base URL.
	// {name} and :name segments are filled from Params.Path.
	Path string

	// URI replaces the built-in template expansion when set.
	URI URIProcessor

	// Headers adds operation-specific headers.
	Headers HeaderProcessor
}

// CommandConfig describes a write operation, sent as POST.
type CommandConfig struct {
	OperationConfig
	Data     DataProcessor
	Response ResponseProcessor
}

// QueryConfig describes a read operation.
type QueryConfig struct {
	OperationConfig

	// Meta is the path template of the metadata endpoint.
	Meta string

	// Item is the path template of a single item. {id} receives the item
	// ID. When empty, the item ID is appended to Path.
	Item string

	Response     ResponseProcessor
	ItemResponse ResponseProcessor
}

// RequestConfig describes an operation with an explicit method.
type RequestConfig struct {
	OperationConfig
	Method   Method
	Data     DataProcessor
	Response ResponseProcessor
}

// SocketConfig describes a real-time endpoint.
type SocketConfig struct {
	OperationConfig
	Transport rtc.Transport
}

// CommandPath is the shorthand for a command with only a path.
func CommandPath(path string) CommandConfig {
	return CommandConfig{OperationConfig: OperationConfig{Path: path}}
}

// QueryPath is the shorthand for a query with only a path.
func QueryPath(path string) QueryConfig {
	return QueryConfig{OperationConfig: OperationConfig{Path: path}}
}

// RequestPath is the shorthand for a request with a method and a path.
func RequestPath(method Method, path string) RequestConfig {
	return RequestConfig{OperationConfig: OperationConfig{Path: path}, Method: method}
}

// SocketPath is the shorthand for a socket with a transport and a path.
func SocketPath(transport rtc.Transport, path string) SocketConfig {
	return SocketConfig{OperationConfig: OperationConfig{Path: path}, Transport: transport}
}

// CollectionConfig declares a named group of operations against one base
// URL. It is copied by NewCollection and not consulted again afterwards.
type CollectionConfig struct {
	Name    string
	BaseURL string

	// Debug logs every resolved call at debug level.
	Debug bool

	// Dynamic treats unknown command and query names as literal paths
	// instead of failing with a ConfigurationError.
	Dynamic bool

	Commands map[string]CommandConfig
	Queries  map[string]QueryConfig
	Sockets  map[string]SocketConfig
	Requests map[string]RequestConfig

	// Collection-wide processors. Operation-level processors take
	// precedence over ProcessData and ProcessResponse; ProcessHeaders is
	// merged beneath operation headers.
	ProcessHeaders  HeaderProcessor
	ProcessData     DataProcessor
	ProcessResponse ResponseProcessor
}

// Params are per-call options merged over the operation configuration.
type Params struct {
	// Cache set to false bypasses cached metadata and asks servers not to
	// serve cached responses.
	Cache *bool

	Search  url.Values
	Headers map[string]string
	Path    map[string]string

	// Scope is exposed to path templates as {scope}.
	Scope string
}

// Bool returns a pointer to v, for Params.Cache.
func Bool(v bool) *bool {
	return &v
}

func (p *Params) cacheDisabled() bool {
	return p != nil && p.Cache != nil && !*p.Cache
}

// Pagination describes a page of a list response.
type Pagination struct {
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
	Total    int    `json:"total,omitempty"`
	Next     string `json:"next,omitempty"`
}

// Response is the envelope returned by every HTTP operation.
type Response struct {
	Data       any               `json:"data"`
	Meta       any               `json:"meta,omitempty"`
	Pagination *Pagination       `json:"pagination,omitempty"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	// Cache is true when the response was served from the metadata cache.
	Cache bool `json:"cache"`
}

// Decode converts the response data into T.
func Decode[T any](r *Response) (T, error) {
	var out T
	if r == nil {
		return out, fmt.Errorf("decoding response: nil response")
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

// Kind identifies the operation variant in events and logs.
type Kind string

// Operation kinds.
const (
	KindCommand   Kind = "command"
	KindQuery     Kind = "query"
	KindQueryItem Kind = "query_item"
	KindQueryMeta Kind = "query_meta"
	KindRequest   Kind = "request"
)

// Logger is the logging surface used by collections and managers.
// *slog.Logger and *logging.Logger satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

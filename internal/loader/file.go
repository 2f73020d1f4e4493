package loader

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/apilink/internal/apiclient"
	"github.com/nerrad567/apilink/internal/apierr"
	"github.com/nerrad567/apilink/internal/rtc"
)

// File is the on-disk form of a collection.
type File struct {
	Name     string            `yaml:"name" json:"name"`
	BaseURL  string            `yaml:"base_url" json:"base_url"`
	Debug    bool              `yaml:"debug,omitempty" json:"debug,omitempty"`
	Dynamic  bool              `yaml:"dynamic,omitempty" json:"dynamic,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Envelope *Envelope         `yaml:"envelope,omitempty" json:"envelope,omitempty"`

	Commands map[string]Operation `yaml:"commands,omitempty" json:"commands,omitempty"`
	Queries  map[string]Operation `yaml:"queries,omitempty" json:"queries,omitempty"`
	Requests map[string]Operation `yaml:"requests,omitempty" json:"requests,omitempty"`
	Sockets  map[string]Operation `yaml:"sockets,omitempty" json:"sockets,omitempty"`
}

// Envelope holds JMESPath expressions that unwrap every response of a
// collection into data, meta and pagination.
type Envelope struct {
	Data       string `yaml:"data,omitempty" json:"data,omitempty"`
	Meta       string `yaml:"meta,omitempty" json:"meta,omitempty"`
	Pagination string `yaml:"pagination,omitempty" json:"pagination,omitempty"`
}

// Operation declares one endpoint. Fields that do not apply to the
// operation's section are rejected by Build.
type Operation struct {
	Path    string            `yaml:"path" json:"path"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Required lists payload fields that must be present and non-empty.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`

	// Response and ItemResponse are JMESPath expressions applied to the
	// decoded body.
	Response     string `yaml:"response,omitempty" json:"response,omitempty"`
	ItemResponse string `yaml:"item_response,omitempty" json:"item_response,omitempty"`

	Meta      string `yaml:"meta,omitempty" json:"meta,omitempty"`
	Item      string `yaml:"item,omitempty" json:"item,omitempty"`
	Method    string `yaml:"method,omitempty" json:"method,omitempty"`
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`
}

// operationFields is Operation without its unmarshal methods.
type operationFields Operation

// UnmarshalYAML accepts either a path string or a mapping.
func (o *Operation) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*o = Operation{Path: node.Value}
		return nil
	}
	var f operationFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*o = Operation(f)
	return nil
}

// MarshalYAML writes path-only operations in their short form.
func (o Operation) MarshalYAML() (any, error) {
	if o.isPathOnly() {
		return o.Path, nil
	}
	return operationFields(o), nil
}

// UnmarshalJSON accepts either a path string or an object.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		*o = Operation{Path: path}
		return nil
	}
	var f operationFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*o = Operation(f)
	return nil
}

// MarshalJSON writes path-only operations in their short form.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.isPathOnly() {
		return json.Marshal(o.Path)
	}
	return json.Marshal(operationFields(o))
}

func (o Operation) isPathOnly() bool {
	return len(o.Headers) == 0 && len(o.Required) == 0 && o.Response == "" && o.ItemResponse == "" &&
		o.Meta == "" && o.Item == "" && o.Method == "" && o.Transport == ""
}

// Build validates f and converts it into a runtime configuration with
// compiled processors. All problems are reported together.
func (f *File) Build() (apiclient.CollectionConfig, error) {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if f.Name == "" {
		add("name is required")
	} else if strings.Contains(f.Name, ":") {
		add("name must not contain ':'")
	}
	if f.BaseURL == "" {
		add("base_url is required")
	}

	cfg := apiclient.CollectionConfig{
		Name:     f.Name,
		BaseURL:  f.BaseURL,
		Debug:    f.Debug,
		Dynamic:  f.Dynamic,
		Commands: make(map[string]apiclient.CommandConfig, len(f.Commands)),
		Queries:  make(map[string]apiclient.QueryConfig, len(f.Queries)),
		Requests: make(map[string]apiclient.RequestConfig, len(f.Requests)),
		Sockets:  make(map[string]apiclient.SocketConfig, len(f.Sockets)),
	}
	if len(f.Headers) > 0 {
		cfg.ProcessHeaders = apiclient.StaticHeaders(f.Headers)
	}
	if f.Envelope != nil {
		p, err := apiclient.Envelope(f.Envelope.Data, f.Envelope.Meta, f.Envelope.Pagination)
		if err != nil {
			add("envelope: %v", err)
		}
		cfg.ProcessResponse = p
	}

	for _, name := range sortedNames(f.Commands) {
		op := f.Commands[name]
		field := "commands." + name
		checkPath(field, op, add)
		rejectFields(field, op, add, "meta", "item", "item_response", "method", "transport")
		cfg.Commands[name] = apiclient.CommandConfig{
			OperationConfig: baseOperation(op),
			Data:            dataProcessor(op),
			Response:        compileResponse(field+".response", op.Response, add),
		}
	}

	for _, name := range sortedNames(f.Queries) {
		op := f.Queries[name]
		field := "queries." + name
		checkPath(field, op, add)
		rejectFields(field, op, add, "required", "method", "transport")
		cfg.Queries[name] = apiclient.QueryConfig{
			OperationConfig: baseOperation(op),
			Meta:            op.Meta,
			Item:            op.Item,
			Response:        compileResponse(field+".response", op.Response, add),
			ItemResponse:    compileResponse(field+".item_response", op.ItemResponse, add),
		}
	}

	for _, name := range sortedNames(f.Requests) {
		op := f.Requests[name]
		field := "requests." + name
		checkPath(field, op, add)
		rejectFields(field, op, add, "meta", "item", "item_response", "transport")
		method := apiclient.Method(strings.ToUpper(op.Method))
		if op.Method == "" {
			add("%s.method is required", field)
		} else if !method.Valid() {
			add("%s.method %q is not a valid HTTP method", field, op.Method)
		}
		cfg.Requests[name] = apiclient.RequestConfig{
			OperationConfig: baseOperation(op),
			Method:          method,
			Data:            dataProcessor(op),
			Response:        compileResponse(field+".response", op.Response, add),
		}
	}

	for _, name := range sortedNames(f.Sockets) {
		op := f.Sockets[name]
		field := "sockets." + name
		rejectFields(field, op, add, "required", "response", "item_response", "meta", "item", "method")
		transport := rtc.Transport(op.Transport)
		if transport == "" {
			transport = rtc.TransportWebSockets
		}
		switch transport {
		case rtc.TransportWebSockets, rtc.TransportSSE, rtc.TransportMQTT, rtc.TransportWebRTC:
		default:
			add("%s.transport %q is not supported", field, op.Transport)
		}
		cfg.Sockets[name] = apiclient.SocketConfig{
			OperationConfig: baseOperation(op),
			Transport:       transport,
		}
	}

	if len(errs) > 0 {
		return apiclient.CollectionConfig{}, apierr.Configurationf("invalid collection %q: %s", f.Name, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func baseOperation(op Operation) apiclient.OperationConfig {
	out := apiclient.OperationConfig{Path: op.Path}
	if len(op.Headers) > 0 {
		out.Headers = apiclient.StaticHeaders(op.Headers)
	}
	return out
}

func dataProcessor(op Operation) apiclient.DataProcessor {
	if len(op.Required) == 0 {
		return nil
	}
	return apiclient.RequireFields(op.Required...)
}

func compileResponse(field, expr string, add func(string, ...any)) apiclient.ResponseProcessor {
	if expr == "" {
		return nil
	}
	p, err := apiclient.JMESPath(expr)
	if err != nil {
		add("%s: %v", field, err)
		return nil
	}
	return p
}

func checkPath(field string, op Operation, add func(string, ...any)) {
	if op.Path == "" {
		add("%s.path is required", field)
	}
}

func rejectFields(field string, op Operation, add func(string, ...any), names ...string) {
	set := map[string]bool{
		"required":      len(op.Required) > 0,
		"response":      op.Response != "",
		"item_response": op.ItemResponse != "",
		"meta":          op.Meta != "",
		"item":          op.Item != "",
		"method":        op.Method != "",
		"transport":     op.Transport != "",
	}
	for _, n := range names {
		if set[n] {
			add("%s.%s is not allowed here", field, n)
		}
	}
}

func sortedNames(m map[string]Operation) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

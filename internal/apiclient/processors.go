package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/nerrad567/apilink/internal/apierr"
)

// URIProcessor builds the request path from an operation's path template.
type URIProcessor func(pattern string, params *Params) (string, error)

// HeaderProcessor returns headers for a call. payload is the outgoing data,
// or an empty map for socket handshakes.
type HeaderProcessor func(ctx context.Context, params *Params, payload any) (map[string]string, error)

// DataProcessor transforms or validates an outgoing payload. Returning an
// error aborts the call before any network activity.
type DataProcessor func(payload any) (any, error)

// ResponseProcessor reshapes a decoded response body. It may return a
// Processed value to fill the envelope's Meta and Pagination.
type ResponseProcessor func(body any) (any, error)

// Processed is a ResponseProcessor result carrying envelope fields.
type Processed struct {
	Data       any
	Meta       any
	Pagination *Pagination
}

// Identity is the default ResponseProcessor.
func Identity(body any) (any, error) {
	return body, nil
}

// StaticHeaders returns a HeaderProcessor that always yields headers.
func StaticHeaders(headers map[string]string) HeaderProcessor {
	fixed := make(map[string]string, len(headers))
	for k, v := range headers {
		fixed[k] = v
	}
	return func(context.Context, *Params, any) (map[string]string, error) {
		out := make(map[string]string, len(fixed))
		for k, v := range fixed {
			out[k] = v
		}
		return out, nil
	}
}

// MergeHeaders combines processors; later processors override earlier ones
// on key collisions. nil entries are skipped.
func MergeHeaders(processors ...HeaderProcessor) HeaderProcessor {
	return func(ctx context.Context, params *Params, payload any) (map[string]string, error) {
		out := make(map[string]string)
		for _, p := range processors {
			if p == nil {
				continue
			}
			h, err := p(ctx, params, payload)
			if err != nil {
				return nil, err
			}
			for k, v := range h {
				out[k] = v
			}
		}
		return out, nil
	}
}

// RequireFields returns a DataProcessor that rejects object payloads
// missing any of fields, or carrying them as null or "".
func RequireFields(fields ...string) DataProcessor {
	return func(payload any) (any, error) {
		obj, err := asObject(payload)
		if err != nil {
			return nil, apierr.NewValidationError("", err.Error())
		}
		for _, f := range fields {
			v, ok := obj[f]
			if !ok || v == nil || v == "" {
				return nil, apierr.NewValidationError(f, "is required")
			}
		}
		return payload, nil
	}
}

// ChainData applies processors in order.
func ChainData(processors ...DataProcessor) DataProcessor {
	return func(payload any) (any, error) {
		var err error
		for _, p := range processors {
			if p == nil {
				continue
			}
			if payload, err = p(payload); err != nil {
				return nil, err
			}
		}
		return payload, nil
	}
}

func asObject(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return nil, fmt.Errorf("payload is required")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("payload is not an object")
		}
		return obj, nil
	}
}

// JMESPath returns a ResponseProcessor selecting expr from the body.
func JMESPath(expr string) (ResponseProcessor, error) {
	jp, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid JMESPath expression %q: %w", expr, err)
	}
	return func(body any) (any, error) {
		out, err := jp.Search(body)
		if err != nil {
			return nil, fmt.Errorf("applying JMESPath %q: %w", expr, err)
		}
		return out, nil
	}, nil
}

// Envelope returns a ResponseProcessor that extracts data, meta and
// pagination with JMESPath expressions. Empty expressions are skipped; an
// empty data expression keeps the whole body.
func Envelope(dataExpr, metaExpr, paginationExpr string) (ResponseProcessor, error) {
	compile := func(expr string) (*jmespath.JMESPath, error) {
		if expr == "" {
			return nil, nil
		}
		jp, err := jmespath.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid JMESPath expression %q: %w", expr, err)
		}
		return jp, nil
	}
	dataJP, err := compile(dataExpr)
	if err != nil {
		return nil, err
	}
	metaJP, err := compile(metaExpr)
	if err != nil {
		return nil, err
	}
	pageJP, err := compile(paginationExpr)
	if err != nil {
		return nil, err
	}

	return func(body any) (any, error) {
		var err error
		out := Processed{Data: body}
		if dataJP != nil {
			if out.Data, err = dataJP.Search(body); err != nil {
				return nil, fmt.Errorf("selecting data: %w", err)
			}
		}
		if metaJP != nil {
			if out.Meta, err = metaJP.Search(body); err != nil {
				return nil, fmt.Errorf("selecting meta: %w", err)
			}
		}
		if pageJP != nil {
			var raw any
			if raw, err = pageJP.Search(body); err != nil {
				return nil, fmt.Errorf("selecting pagination: %w", err)
			}
			if raw != nil {
				out.Pagination = &Pagination{}
				b, _ := json.Marshal(raw) //nolint:errcheck // decoded JSON re-encodes
				if err = json.Unmarshal(b, out.Pagination); err != nil {
					return nil, fmt.Errorf("decoding pagination: %w", err)
				}
			}
		}
		return out, nil
	}, nil
}

// expandPath fills {name} and :name placeholders from vars. Values are path
// escaped. A placeholder without a value is a ConfigurationError.
func expandPath(pattern string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(pattern))

	for i := 0; i < len(pattern); {
		c := pattern[i]

		if c == '{' {
			end := strings.IndexByte(pattern[i:], '}')
			if end > 1 {
				name := pattern[i+1 : i+end]
				v, ok := vars[name]
				if !ok {
					return "", apierr.Configurationf("Missing path parameter %q in %q", name, pattern)
				}
				b.WriteString(url.PathEscape(v))
				i += end + 1
				continue
			}
		}

		if c == ':' && i > 0 && pattern[i-1] == '/' {
			j := i + 1
			for j < len(pattern) && isNameByte(pattern[j]) {
				j++
			}
			if j > i+1 {
				name := pattern[i+1 : j]
				v, ok := vars[name]
				if !ok {
					return "", apierr.Configurationf("Missing path parameter %q in %q", name, pattern)
				}
				b.WriteString(url.PathEscape(v))
				i = j
				continue
			}
		}

		b.WriteByte(c)
		i++
	}
	return b.String(), nil
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// joinURL appends path to base unless path is already absolute, then adds
// the search parameters.
func joinURL(base, path string, search url.Values) string {
	var u string
	switch {
	case strings.Contains(path, "://"):
		u = path
	case path == "":
		u = base
	default:
		u = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}

	if len(search) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + search.Encode()
}

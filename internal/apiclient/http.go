package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/apilink/internal/apierr"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultTimeout bounds requests made with the default HTTP client.
const DefaultTimeout = 30 * time.Second

// call is a fully resolved HTTP operation.
type call struct {
	kind    Kind
	name    string
	method  Method
	url     string
	headers map[string]string
	body    any
	hasBody bool
	process ResponseProcessor
	noCache bool
}

// execute sends c and builds the Response envelope. Non-2xx answers become
// *apierr.HTTPError with the decoded body.
func (c *Collection) execute(ctx context.Context, cl call) (*Response, error) {
	req, err := c.buildRequest(ctx, cl)
	if err != nil {
		return nil, err
	}

	if c.cfg.Debug {
		c.logger.Debug("api call",
			"collection", c.cfg.Name,
			"operation", cl.name,
			"kind", cl.kind,
			"method", cl.method,
			"url", cl.url,
		)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &apierr.HTTPError{Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &apierr.HTTPError{Status: res.StatusCode, StatusText: http.StatusText(res.StatusCode), Err: err}
	}

	body := decodeBody(raw, res.Header.Get("Content-Type"))
	headers := flattenHeaders(res.Header)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, apierr.NewHTTPError(res.StatusCode, body, headers)
	}

	out := &Response{
		Status:     res.StatusCode,
		StatusText: http.StatusText(res.StatusCode),
		Headers:    headers,
		Timestamp:  c.now().UTC(),
	}

	process := cl.process
	if process == nil {
		process = Identity
	}
	processed, err := process(body)
	if err != nil {
		return nil, fmt.Errorf("processing %s response: %w", cl.name, err)
	}
	switch p := processed.(type) {
	case Processed:
		out.Data, out.Meta, out.Pagination = p.Data, p.Meta, p.Pagination
	case *Processed:
		out.Data, out.Meta, out.Pagination = p.Data, p.Meta, p.Pagination
	default:
		out.Data = processed
	}
	return out, nil
}

func (c *Collection) buildRequest(ctx context.Context, cl call) (*http.Request, error) {
	var reader io.Reader
	if cl.hasBody && cl.body != nil {
		switch b := cl.body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		case json.RawMessage:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(cl.body)
			if err != nil {
				return nil, apierr.NewValidationError("", fmt.Sprintf("payload cannot be encoded: %v", err))
			}
			reader = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, string(cl.method), cl.url, reader)
	if err != nil {
		return nil, apierr.Configurationf("Invalid request for %s: %v", cl.name, err)
	}

	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.noCache {
		req.Header.Set("Cache-Control", "no-cache")
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// decodeBody decodes JSON bodies; anything else is returned as a string.
// An empty body decodes to nil.
func decodeBody(raw []byte, contentType string) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType) //nolint:errcheck // empty on failure
	if mediaType == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

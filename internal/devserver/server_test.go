package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/apilink/internal/auth"
	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/internal/infrastructure/logging"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// testServer mounts a Server's handler on an httptest server. Both are
// closed when the test ends.
func testServer(t *testing.T, cfg config.DevServerConfig) (*Server, *httptest.Server) {
	t.Helper()

	srv, err := New(Deps{Config: cfg, Logger: logging.Discard(), Version: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close() //nolint:errcheck // test teardown
		ts.Close()
	})
	return srv, ts
}

// do sends a request with an optional JSON body and returns the response
// with its body read.
func do(t *testing.T, method, url string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return v
}

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger expected error")
	}
}

func TestNew_SeedConflict(t *testing.T) {
	_, err := New(Deps{
		Logger: logging.Discard(),
		Config: config.DevServerConfig{Seed: map[string][]map[string]any{
			"users": {{"id": "1"}, {"id": "1"}},
		}},
	})
	if err == nil {
		t.Error("New() with duplicate seed ids expected error")
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := testServer(t, config.DevServerConfig{AuthSecret: testSecret})

	resp, body := do(t, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	health := decode[map[string]any](t, body)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Errorf("health = %v", health)
	}
}

func TestResourceLifecycle(t *testing.T) {
	_, ts := testServer(t, config.DevServerConfig{})

	resp, body := do(t, http.MethodPost, ts.URL+"/users", map[string]any{"name": "Ada"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	if loc := resp.Header.Get("Location"); loc != "/users/1" {
		t.Errorf("Location = %q, want /users/1", loc)
	}
	if created := decode[Item](t, body); created["id"] != "1" {
		t.Errorf("created = %v", created)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/users", nil, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get(TotalCountHeader) != "1" {
		t.Errorf("list status = %d, total = %q", resp.StatusCode, resp.Header.Get(TotalCountHeader))
	}
	if list := decode[[]Item](t, body); len(list) != 1 || list[0]["name"] != "Ada" {
		t.Errorf("list = %v", list)
	}

	resp, body = do(t, http.MethodPut, ts.URL+"/users/1", map[string]any{"name": "Ada L."}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace status = %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodPatch, ts.URL+"/users/1", map[string]any{"role": "admin"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	if patched := decode[Item](t, body); patched["name"] != "Ada L." || patched["role"] != "admin" {
		t.Errorf("patched = %v", patched)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/users/_meta", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("meta status = %d", resp.StatusCode)
	}
	meta := decode[Meta](t, body)
	if meta.Count != 1 || strings.Join(meta.Fields, ",") != "id,name,role" {
		t.Errorf("meta = %+v", meta)
	}

	resp, _ = do(t, http.MethodDelete, ts.URL+"/users/1", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/users/1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
	apiErr := decode[Error](t, body)
	if apiErr.Code != CodeNotFound || apiErr.Status != http.StatusNotFound {
		t.Errorf("error = %+v", apiErr)
	}
	if apiErr.RequestID == "" || apiErr.RequestID != resp.Header.Get("X-Request-ID") {
		t.Errorf("error request_id = %q, header = %q", apiErr.RequestID, resp.Header.Get("X-Request-ID"))
	}
}

func TestHandleList_PagingAndFilter(t *testing.T) {
	seed := []map[string]any{}
	for _, role := range []string{"admin", "viewer", "admin", "viewer", "admin"} {
		seed = append(seed, map[string]any{"role": role})
	}
	_, ts := testServer(t, config.DevServerConfig{Seed: map[string][]map[string]any{"users": seed}})

	tests := []struct {
		name    string
		query   string
		status  int
		total   string
		wantIDs []string
	}{
		{name: "all", query: "", status: 200, total: "5", wantIDs: []string{"1", "2", "3", "4", "5"}},
		{name: "second page", query: "?_limit=2&_page=2", status: 200, total: "5", wantIDs: []string{"3", "4"}},
		{name: "past the end", query: "?_limit=2&_page=9", status: 200, total: "5", wantIDs: []string{}},
		{name: "filter", query: "?role=admin", status: 200, total: "3", wantIDs: []string{"1", "3", "5"}},
		{name: "filter and page", query: "?role=admin&_limit=1&_page=3", status: 200, total: "3", wantIDs: []string{"5"}},
		{name: "bad page", query: "?_page=0", status: 400},
		{name: "bad limit", query: "?_limit=x", status: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, ts.URL+"/users"+tt.query, nil, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if tt.status != http.StatusOK {
				return
			}
			if got := resp.Header.Get(TotalCountHeader); got != tt.total {
				t.Errorf("%s = %q, want %q", TotalCountHeader, got, tt.total)
			}
			items := decode[[]Item](t, body)
			ids := make([]string, 0, len(items))
			for _, item := range items {
				ids = append(ids, item["id"].(string))
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestHandleCreate_Errors(t *testing.T) {
	_, ts := testServer(t, config.DevServerConfig{
		Seed: map[string][]map[string]any{"users": {{"id": "taken"}}},
	})

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"not json", "{", http.StatusBadRequest, CodeBadRequest},
		{"array body", "[1,2]", http.StatusBadRequest, CodeBadRequest},
		{"null body", "null", http.StatusBadRequest, CodeBadRequest},
		{"duplicate id", map[string]any{"id": "taken"}, http.StatusConflict, CodeConflict},
		{"object id", map[string]any{"id": map[string]any{}}, http.StatusUnprocessableEntity, CodeValidation},
		{"too large", `{"blob":"` + strings.Repeat("x", maxRequestBodySize) + `"}`, http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/users", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := decode[Error](t, body).Code; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, ts := testServer(t, config.DevServerConfig{AuthSecret: testSecret})

	valid, _, err := auth.GenerateToken(auth.JWTConfig{Secret: testSecret, Subject: "tester", TTL: time.Minute}, time.Now())
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	wrongKey, _, err := auth.GenerateToken(auth.JWTConfig{Secret: strings.Repeat("x", 32), Subject: "tester"}, time.Now())
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	expired, _, err := auth.GenerateToken(auth.JWTConfig{Secret: testSecret, Subject: "tester", TTL: time.Minute}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			resp, _ := do(t, http.MethodGet, ts.URL+"/users", nil, header)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestRequestIDAndCORS(t *testing.T) {
	_, ts := testServer(t, config.DevServerConfig{
		CORS: config.CORSConfig{AllowedOrigins: []string{"http://app.test"}},
	})

	resp, _ := do(t, http.MethodGet, ts.URL+"/health", nil, http.Header{
		"X-Request-Id": {"req-123"},
		"Origin":       {"http://app.test"},
	})
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want echoed req-123", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://app.test" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/health", nil, http.Header{"Origin": {"http://evil.test"}})
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated when absent")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for disallowed origin", got)
	}

	resp, _ = do(t, http.MethodOptions, ts.URL+"/users", nil, http.Header{
		"Origin":                        {"http://app.test"},
		"Access-Control-Request-Method": {"POST"},
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, ts := testServer(t, config.DevServerConfig{})

	resp, body := do(t, http.MethodGet, ts.URL+"/users/1/extra", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if got := decode[Error](t, body).Code; got != CodeNotFound {
		t.Errorf("code = %q, want %q", got, CodeNotFound)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, err := New(Deps{
		Config: config.DevServerConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.URL() != "" {
		t.Errorf("URL() before Start = %q, want empty", srv.URL())
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp, _ := do(t, http.MethodGet, srv.URL()+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := http.Get(srv.URL() + "/health"); err == nil { //nolint:noctx // test
		t.Error("request after Close() expected error")
	}
}

func TestCORSPolicy(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CORSConfig
		origin  string
		allowed bool
		methods string
	}{
		{"no list allows any", config.CORSConfig{}, "http://a.test", true, "GET, POST, PUT, PATCH, DELETE, OPTIONS"},
		{"wildcard", config.CORSConfig{AllowedOrigins: []string{"*"}}, "http://a.test", true, "GET, POST, PUT, PATCH, DELETE, OPTIONS"},
		{"listed", config.CORSConfig{AllowedOrigins: []string{"http://a.test"}, AllowedMethods: []string{"GET"}}, "http://a.test", true, "GET"},
		{"unlisted", config.CORSConfig{AllowedOrigins: []string{"http://a.test"}}, "http://b.test", false, "GET, POST, PUT, PATCH, DELETE, OPTIONS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newCORSPolicy(tt.cfg)
			if got := p.allows(tt.origin); got != tt.allowed {
				t.Errorf("allows(%q) = %v, want %v", tt.origin, got, tt.allowed)
			}
			if p.methods != tt.methods {
				t.Errorf("methods = %q, want %q", p.methods, tt.methods)
			}
		})
	}
}

package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/apilink/internal/apierr"
	"github.com/nerrad567/apilink/internal/metacache"
	"github.com/nerrad567/apilink/internal/rtc"
)

func newMetaManager(t *testing.T) (*Manager, *recordingServer) {
	t.Helper()
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"fields": []string{"id", "name"}, "q": r.URL.RawQuery})
	})
	m, err := NewManager(CollectionConfig{
		Name:    "users",
		BaseURL: srv.URL,
		Queries: map[string]QueryConfig{
			"list": {OperationConfig: OperationConfig{Path: "/users"}, Meta: "/users/_meta"},
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, srv
}

func TestManagerQueryMetaCaches(t *testing.T) {
	m, srv := newMetaManager(t)
	ctx := context.Background()

	first, err := m.QueryMeta(ctx, "users:list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if first.Cache {
		t.Error("first response Cache = true, want false")
	}

	second, err := m.QueryMeta(ctx, "users:list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if !second.Cache {
		t.Error("second response Cache = false, want true")
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("server calls = %d, want 1", n)
	}
	if first.Cache {
		t.Error("cached hit mutated the first response")
	}

	stats := m.MetadataCacheStats()
	if stats.Size != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("MetadataCacheStats() = %+v, want size 1 hits 1 misses 1", stats)
	}

	m.ClearMetadataCache()
	if stats := m.MetadataCacheStats(); stats != (CacheStats{}) {
		t.Errorf("stats after clear = %+v, want zero", stats)
	}

	third, err := m.QueryMeta(ctx, "users:list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if third.Cache {
		t.Error("response after clear Cache = true, want false")
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
}

// failingWrites is a metadata store that never accepts entries.
type failingWrites struct {
	*metacache.MemoryStore[*Response]
}

func (failingWrites) Set(context.Context, string, metacache.Entry[*Response]) error {
	return errors.New("read-only")
}

func TestManagerQueryMetaStoreWriteFailure(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"fields": []string{"id"}})
	})
	cache := metacache.New[*Response](failingWrites{metacache.NewMemoryStore[*Response]()}, metacache.Policy{})
	m, err := NewManager(CollectionConfig{
		Name:    "users",
		BaseURL: srv.URL,
		Queries: map[string]QueryConfig{"list": {OperationConfig: OperationConfig{Path: "/users"}, Meta: "/users/_meta"}},
	}, WithMetadataCache(cache))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	resp, err := m.QueryMeta(context.Background(), "list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if resp.Status != http.StatusOK || resp.Cache {
		t.Errorf("QueryMeta() = status %d cache %v, want 200 uncached", resp.Status, resp.Cache)
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("server calls = %d, want 1", n)
	}
}

func TestManagerQueryMetaMissIsDetached(t *testing.T) {
	m, srv := newMetaManager(t)
	ctx := context.Background()

	first, err := m.QueryMeta(ctx, "users:list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	first.Status = http.StatusTeapot
	first.Headers["X-Mutated"] = "yes"
	first.Data = "replaced"

	second, err := m.QueryMeta(ctx, "users:list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if !second.Cache {
		t.Fatal("second response Cache = false, want true")
	}
	if second.Status != http.StatusOK {
		t.Errorf("cached Status = %d, want 200", second.Status)
	}
	if _, ok := second.Headers["X-Mutated"]; ok {
		t.Error("caller header change leaked into the cache")
	}
	if second.Data == "replaced" {
		t.Error("caller data change leaked into the cache")
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("server calls = %d, want 1", n)
	}
}

func TestManagerQueryMetaKeyedByParams(t *testing.T) {
	m, srv := newMetaManager(t)
	ctx := context.Background()

	a := &Params{Search: url.Values{"lang": {"en"}}}
	b := &Params{Search: url.Values{"lang": {"de"}}}

	for _, p := range []*Params{a, b, a, b} {
		if _, err := m.QueryMeta(ctx, "users:list", p); err != nil {
			t.Fatalf("QueryMeta() error = %v", err)
		}
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}

	// The cache flag itself does not select a different entry.
	resp, err := m.QueryMeta(ctx, "users:list", &Params{Search: url.Values{"lang": {"en"}}, Cache: Bool(true)})
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if !resp.Cache {
		t.Error("Cache = false, want hit for equal params")
	}
}

func TestManagerQueryMetaBypass(t *testing.T) {
	m, srv := newMetaManager(t)
	ctx := context.Background()

	if _, err := m.QueryMeta(ctx, "users:list", nil); err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	resp, err := m.QueryMeta(ctx, "users:list", &Params{Cache: Bool(false)})
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if resp.Cache {
		t.Error("bypassed response Cache = true")
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
	if got := srv.last(t).Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}

	// The refreshed entry serves later cached calls.
	resp, err = m.QueryMeta(ctx, "users:list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if !resp.Cache {
		t.Error("Cache = false after refresh")
	}
}

func TestManagerQueryMetaConcurrentCallsShareFetch(t *testing.T) {
	release := make(chan struct{})
	srv := newRecordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	m, err := NewManager(CollectionConfig{
		Name:    "users",
		BaseURL: srv.URL,
		Queries: map[string]QueryConfig{"list": {OperationConfig: OperationConfig{Path: "/users"}, Meta: "/meta"}},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.QueryMeta(context.Background(), "list", nil)
			errs <- err
		}()
	}
	for srv.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("QueryMeta() error = %v", err)
		}
	}
	if n := srv.calls.Load(); n > 5 || n < 1 {
		t.Errorf("server calls = %d", n)
	}
	if stats := m.MetadataCacheStats(); stats.Size != 1 {
		t.Errorf("cache size = %d, want 1", stats.Size)
	}
}

func TestManagerQueryMetaErrorsNotCached(t *testing.T) {
	fail := true
	var mu sync.Mutex
	srv := newRecordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			writeJSON(w, http.StatusServiceUnavailable, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	m, err := NewManager(CollectionConfig{
		Name:    "users",
		BaseURL: srv.URL,
		Queries: map[string]QueryConfig{"list": {OperationConfig: OperationConfig{Path: "/users"}, Meta: "/meta"}},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if _, err := m.QueryMeta(context.Background(), "list", nil); !errors.Is(err, apierr.ErrHTTP) {
		t.Fatalf("QueryMeta() error = %v, want HTTPError", err)
	}
	mu.Lock()
	fail = false
	mu.Unlock()

	resp, err := m.QueryMeta(context.Background(), "list", nil)
	if err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if resp.Cache {
		t.Error("Cache = true after failed first call")
	}
}

func TestManagerInvalidateMetadata(t *testing.T) {
	m, srv := newMetaManager(t)
	ctx := context.Background()

	if _, err := m.QueryMeta(ctx, "list", nil); err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if err := m.InvalidateMetadata(ctx, "users:list", nil); err != nil {
		t.Fatalf("InvalidateMetadata() error = %v", err)
	}
	if _, err := m.QueryMeta(ctx, "list", nil); err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
}

func TestManagerNameResolution(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, r.URL.Path)
	})

	m, err := NewManager(CollectionConfig{
		Name:    "users",
		BaseURL: srv.URL + "/users-api",
		Queries: map[string]QueryConfig{"list": QueryPath("/list")},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	posts, err := NewCollection(CollectionConfig{
		Name:    "posts",
		BaseURL: srv.URL + "/posts-api",
		Queries: map[string]QueryConfig{"list": QueryPath("/list")},
	})
	if err != nil {
		t.Fatalf("NewCollection() error = %v", err)
	}
	m.Register(posts)

	tests := []struct {
		name    string
		want    string
		wantErr error
	}{
		{"users:list", "/users-api/list", nil},
		{"posts:list", "/posts-api/list", nil},
		{"list", "/posts-api/list", nil},
		{"orders:list", "", apierr.ErrConfiguration},
		{"users:", "", apierr.ErrConfiguration},
		{"users:missing", "", apierr.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := m.Query(context.Background(), tt.name, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Query() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if resp.Data != tt.want {
				t.Errorf("Data = %v, want %s", resp.Data, tt.want)
			}
		})
	}

	if got := m.Name(); got != "posts" {
		t.Errorf("Name() = %q, want posts", got)
	}
	if got := m.BaseURL(); got != srv.URL+"/posts-api" {
		t.Errorf("BaseURL() = %q", got)
	}
	if got := m.Collections(); len(got) != 2 || got[0] != "posts" || got[1] != "users" {
		t.Errorf("Collections() = %v", got)
	}

	_, err = m.Query(context.Background(), "orders:list", nil)
	if err == nil || err.Error() != "Unknown collection: orders" {
		t.Errorf("error = %v, want Unknown collection: orders", err)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in             string
		collection, op string
	}{
		{"users:list", "users", "list"},
		{"list", "", "list"},
		{"a:b:c", "a", "b:c"},
		{":list", "", "list"},
	}
	for _, tt := range tests {
		c, op := ParseName(tt.in)
		if c != tt.collection || op != tt.op {
			t.Errorf("ParseName(%q) = %q, %q; want %q, %q", tt.in, c, op, tt.collection, tt.op)
		}
	}
}

// fakeConn is an in-process rtc.Connection that loops published messages
// back to subscribers.
type fakeConn struct {
	mu        sync.Mutex
	url       string
	connected bool
	connects  int
	handlers  map[string][]rtc.Handler
	published []string
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeConn) Subscribe(channel string, h rtc.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string][]rtc.Handler)
	}
	f.handlers[channel] = append(f.handlers[channel], h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, channel)
	}
}

func (f *fakeConn) Publish(_ context.Context, channel string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, channel)
	hs := append([]rtc.Handler(nil), f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(channel, raw) //nolint:errcheck // test fake
	}
	return nil
}

func (f *fakeConn) Send(ctx context.Context, data any, channel string) error {
	return f.Publish(ctx, channel, data)
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) State() rtc.State {
	if f.IsConnected() {
		return rtc.StateConnected
	}
	return rtc.StateDisconnected
}

func TestManagerSubscribePublish(t *testing.T) {
	var created []*fakeConn
	factory := rtc.NewFactory(rtc.Options{})
	factory.Register(rtc.TransportWebSockets, func(_ rtc.Config, url string, _ rtc.Options) (rtc.Connection, error) {
		c := &fakeConn{url: url}
		created = append(created, c)
		return c, nil
	})

	m, err := NewManager(CollectionConfig{
		Name:    "live",
		BaseURL: "http://example.test/api",
		Sockets: map[string]SocketConfig{"feed": {OperationConfig: OperationConfig{Path: "/ws"}}},
	}, WithCollectionOptions(WithFactory(factory)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "live:feed", "news", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	var got []string
	unsubscribe := sub(func(_ string, msg json.RawMessage) error {
		got = append(got, string(msg))
		return nil
	})

	pub, err := m.Publish(ctx, "feed", "news", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := pub(ctx, map[string]string{"headline": "hi"}); err != nil {
		t.Fatalf("publish error = %v", err)
	}

	if len(created) != 1 {
		t.Fatalf("connections created = %d, want 1", len(created))
	}
	if created[0].url != "http://example.test/api/ws" {
		t.Errorf("connection url = %q", created[0].url)
	}
	if created[0].connects != 1 {
		t.Errorf("connects = %d, want 1", created[0].connects)
	}
	if len(got) != 1 || got[0] != `{"headline":"hi"}` {
		t.Errorf("received = %v", got)
	}

	unsubscribe()
	if err := pub(ctx, "again"); err != nil {
		t.Fatalf("publish error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("received after unsubscribe = %v", got)
	}

	if _, err := m.Subscribe(ctx, "feed", "", nil); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("Subscribe() without channel error = %v, want ValidationError", err)
	}
	if _, err := m.Subscribe(ctx, "nope", "news", nil); !errors.Is(err, apierr.ErrConfiguration) {
		t.Errorf("Subscribe(unknown) error = %v, want ConfigurationError", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if created[0].IsConnected() {
		t.Error("connection still open after Close")
	}
}

func TestManagerReusesConnectionAcrossVaryingHeaders(t *testing.T) {
	var (
		mu      sync.Mutex
		created []rtc.Config
	)
	factory := rtc.NewFactory(rtc.Options{})
	factory.Register(rtc.TransportWebSockets, func(cfg rtc.Config, url string, _ rtc.Options) (rtc.Connection, error) {
		mu.Lock()
		created = append(created, cfg)
		mu.Unlock()
		return &fakeConn{url: url}, nil
	})

	var calls int
	perCall := func(context.Context, *Params, any) (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return map[string]string{"X-Request-ID": fmt.Sprintf("req-%d", calls)}, nil
	}

	m, err := NewManager(CollectionConfig{
		Name:           "live",
		BaseURL:        "http://example.test",
		ProcessHeaders: perCall,
		Sockets:        map[string]SocketConfig{"orders": {OperationConfig: OperationConfig{Path: "/ws"}}},
	}, WithCollectionOptions(WithFactory(factory)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	for range 3 {
		if _, err := m.Subscribe(ctx, "live:orders", "updates", nil); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	if _, err := m.Publish(ctx, "orders", "updates", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(created) != 1 {
		t.Fatalf("connections created = %d, want 1", len(created))
	}
	if got := created[0].Headers["X-Request-ID"]; got != "req-1" {
		t.Errorf("connection X-Request-ID = %q, want req-1", got)
	}
}

func TestManagerConnectionPerParams(t *testing.T) {
	var created int
	factory := rtc.NewFactory(rtc.Options{})
	factory.Register(rtc.TransportWebSockets, func(_ rtc.Config, url string, _ rtc.Options) (rtc.Connection, error) {
		created++
		return &fakeConn{url: url}, nil
	})

	m, err := NewManager(CollectionConfig{
		Name:    "live",
		BaseURL: "http://example.test",
		Sockets: map[string]SocketConfig{"room": {OperationConfig: OperationConfig{Path: "/rooms/{room}"}}},
	}, WithCollectionOptions(WithFactory(factory)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	for _, room := range []string{"a", "b", "a"} {
		if _, err := m.Subscribe(ctx, "room", "chat", &Params{Path: map[string]string{"room": room}}); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", room, err)
		}
	}
	if created != 2 {
		t.Errorf("connections created = %d, want 2", created)
	}
}

// topicConn is a fakeConn that, like a broker transport, rejects nested
// channel names.
type topicConn struct {
	*fakeConn
}

func (topicConn) ValidateChannel(channel string) error {
	if strings.Contains(channel, "/") {
		return rtc.ErrInvalidChannel
	}
	return nil
}

func TestManagerRejectsChannelsTheTransportRefuses(t *testing.T) {
	conn := topicConn{&fakeConn{}}
	factory := rtc.NewFactory(rtc.Options{})
	factory.Register(rtc.TransportMQTT, func(rtc.Config, string, rtc.Options) (rtc.Connection, error) {
		return conn, nil
	})

	m, err := NewManager(CollectionConfig{
		Name:    "iot",
		BaseURL: "http://example.test",
		Sockets: map[string]SocketConfig{"telemetry": SocketPath(rtc.TransportMQTT, "/sensors")},
	}, WithCollectionOptions(WithFactory(factory)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close() //nolint:errcheck // test cleanup
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "telemetry", "rooms/#", nil); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("Subscribe() error = %v, want ValidationError", err)
	}
	if _, err := m.Publish(ctx, "telemetry", "a/b", nil); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("Publish() error = %v, want ValidationError", err)
	}
	if len(conn.handlers) != 0 {
		t.Errorf("handlers registered = %v, want none", conn.handlers)
	}
	if _, err := m.Subscribe(ctx, "telemetry", "kitchen", nil); err != nil {
		t.Errorf("Subscribe(kitchen) error = %v", err)
	}
}

func TestManagerUnimplementedTransport(t *testing.T) {
	m, err := NewManager(CollectionConfig{
		Name:    "iot",
		BaseURL: "http://example.test",
		Sockets: map[string]SocketConfig{"telemetry": SocketPath(rtc.TransportMQTT, "/x")},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	_, err = m.Subscribe(context.Background(), "telemetry", "t", nil)
	if !errors.Is(err, apierr.ErrConfiguration) {
		t.Fatalf("Subscribe() error = %v, want ConfigurationError", err)
	}
}

func TestDefaultManager(t *testing.T) {
	t.Cleanup(func() { SetDefault(nil) })
	SetDefault(nil)

	if _, err := Query(context.Background(), "list", nil); !errors.Is(err, apierr.ErrConfiguration) {
		t.Fatalf("Query() without default error = %v, want ConfigurationError", err)
	}

	m, srv := newMetaManager(t)
	SetDefault(m)
	if Default() != m {
		t.Fatal("Default() did not return installed manager")
	}
	if _, err := Query(context.Background(), "users:list", nil); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, err := QueryMeta(context.Background(), "users:list", nil); err != nil {
		t.Fatalf("QueryMeta() error = %v", err)
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
}

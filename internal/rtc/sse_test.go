package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReadEvents(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single event",
			input: "data: {\"channel\":\"a\"}\n\n",
			want:  []string{`{"channel":"a"}`},
		},
		{
			name:  "multi-line data joined",
			input: "data: line1\ndata: line2\n\n",
			want:  []string{"line1\nline2"},
		},
		{
			name:  "comments and unknown fields ignored",
			input: ": keep-alive\nretry: 100\nevent: message\ndata: x\n\n",
			want:  []string{"x"},
		},
		{
			name:  "crlf line endings",
			input: "data: one\r\n\r\ndata: two\r\n\r\n",
			want:  []string{"one", "two"},
		},
		{
			name:  "blank lines without data dispatch nothing",
			input: "\n\n: ping\n\n",
			want:  nil,
		},
		{
			name:  "trailing event without terminator is discarded",
			input: "data: done\n\ndata: partial",
			want:  []string{"done"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := readEvents(strings.NewReader(tt.input), func(ev event) {
				got = append(got, string(ev.data))
			})
			if err != io.EOF {
				t.Errorf("readEvents() error = %v, want io.EOF", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("events = %q, want %q", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("event[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadEvents_ID(t *testing.T) {
	var ids []string
	readEvents(strings.NewReader("id: 7\ndata: x\n\n"), func(ev event) { //nolint:errcheck // EOF expected
		ids = append(ids, ev.id)
	})
	if len(ids) != 1 || ids[0] != "7" {
		t.Errorf("ids = %v, want [7]", ids)
	}
}

// sseServer streams events pushed by the test and records POSTed frames.
type sseServer struct {
	mu       sync.Mutex
	posts    []controlFrame
	lastID   string
	events   chan string
	streamed chan struct{}
}

func newSSEServer() *sseServer {
	return &sseServer{events: make(chan string, 8), streamed: make(chan struct{}, 1)}
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var f controlFrame
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(w, "bad frame", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.posts = append(s.posts, f)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.mu.Lock()
	s.lastID = r.Header.Get("Last-Event-ID")
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()
	select {
	case s.streamed <- struct{}{}:
	default:
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-s.events:
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}
}

func (s *sseServer) postedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p.Type)
	}
	return out
}

func TestSSE_ReceiveAndPublish(t *testing.T) {
	backend := newSSEServer()
	server := httptest.NewServer(backend)
	defer server.Close()

	conn := NewSSE(server.URL+"/events", nil, Options{})

	received := make(chan json.RawMessage, 1)
	conn.Subscribe("prices", func(_ string, msg json.RawMessage) error {
		received <- msg
		return nil
	})

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Disconnect() //nolint:errcheck // test cleanup

	<-backend.streamed
	backend.events <- "id: 12\ndata: {\"channel\":\"prices\",\"message\":{\"eur\":1.1}}\n\n"

	select {
	case msg := <-received:
		if string(msg) != `{"eur":1.1}` {
			t.Errorf("message = %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	if err := conn.Publish(context.Background(), "prices", "tick"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	types := backend.postedTypes()
	if len(types) != 2 || types[0] != typeSubscribe || types[1] != typePublish {
		t.Errorf("posted frames = %v, want [subscribe publish]", types)
	}
	if conn.eventID() != "12" {
		t.Errorf("last event id = %q, want 12", conn.eventID())
	}
}

func TestSSE_ConnectRejectsNonOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	conn := NewSSE(server.URL, nil, Options{})
	if err := conn.Connect(context.Background()); err == nil {
		t.Fatal("Connect() expected error for 401")
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", conn.State())
	}
}

func TestSSE_ReconnectSendsLastEventID(t *testing.T) {
	backend := newSSEServer()
	var (
		mu       sync.Mutex
		requests int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			requests++
			n := requests
			mu.Unlock()
			if n == 1 {
				// First stream delivers one event and ends.
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "id: 3\ndata: {\"channel\":\"c\",\"message\":1}\n\n")
				return
			}
		}
		backend.ServeHTTP(w, r)
	}))
	defer server.Close()

	conn := NewSSE(server.URL, nil, Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Disconnect() //nolint:errcheck // test cleanup

	select {
	case <-backend.streamed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	backend.mu.Lock()
	lastID := backend.lastID
	backend.mu.Unlock()
	if lastID != "3" {
		t.Errorf("Last-Event-ID = %q, want 3", lastID)
	}
}

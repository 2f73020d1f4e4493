package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// streamBufferSize is the per-client event buffer size.
const streamBufferSize = 256

// streamEvent is one numbered frame on the event stream.
type streamEvent struct {
	id   uint64
	data []byte
}

// eventStream fans frames out to Server-Sent Events clients and keeps the
// most recent events for Last-Event-ID replay. Stream clients receive every
// channel; filtering happens client side.
type eventStream struct {
	mu      sync.Mutex
	seq     uint64
	size    int
	history []streamEvent
	clients map[chan streamEvent]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newEventStream(size int) *eventStream {
	return &eventStream{
		size:    size,
		clients: make(map[chan streamEvent]struct{}),
		done:    make(chan struct{}),
	}
}

func (e *eventStream) publish(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev := streamEvent{id: e.seq, data: data}
	e.history = append(e.history, ev)
	if len(e.history) > e.size {
		e.history = e.history[len(e.history)-e.size:]
	}
	for ch := range e.clients {
		select {
		case ch <- ev:
		default:
			// Client buffer full, skip
		}
	}
}

// subscribe registers a client. When replay is set, events after lastID that
// are still in history are returned as backlog.
func (e *eventStream) subscribe(lastID uint64, replay bool) (chan streamEvent, []streamEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var backlog []streamEvent
	if replay {
		for _, ev := range e.history {
			if ev.id > lastID {
				backlog = append(backlog, ev)
			}
		}
	}
	ch := make(chan streamEvent, streamBufferSize)
	e.clients[ch] = struct{}{}
	return ch, backlog
}

func (e *eventStream) unsubscribe(ch chan streamEvent) {
	e.mu.Lock()
	delete(e.clients, ch)
	e.mu.Unlock()
}

func (e *eventStream) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

func (e *eventStream) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// handleEvents serves the Server-Sent Events stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var (
		lastID uint64
		replay bool
	)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID, replay = n, true
		}
	}

	ch, backlog := s.events.subscribe(lastID, replay)
	defer s.events.unsubscribe(ch)

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	//nolint:errcheck // Not every writer supports deadlines
	rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range backlog {
		if err := writeStreamEvent(w, ev); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream flush failed", "error", err)
		return
	}
	s.logger.Debug("event stream opened", "replayed", len(backlog), "streams", s.events.count())

	keepalive := time.NewTicker(s.hub.pingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.events.done:
			return
		case ev := <-ch:
			if err := writeStreamEvent(w, ev); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, ev streamEvent) error {
	_, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.id, ev.data)
	return err
}

// handleEventFrame accepts control and publish frames from stream clients.
// Subscriptions are acknowledged without server-side state because stream
// clients receive every channel.
func (s *Server) handleEventFrame(w http.ResponseWriter, r *http.Request) {
	var frame ClientFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		failDecode(w, r, err, "invalid JSON frame")
		return
	}
	if frame.Channel == "" {
		fail(w, r, http.StatusUnprocessableEntity, "channel is required")
		return
	}

	switch frame.Type {
	case FrameSubscribe, FrameUnsubscribe:
		w.WriteHeader(http.StatusNoContent)
	case FramePublish:
		s.fanout(frame.Channel, frame.Message)
		w.WriteHeader(http.StatusAccepted)
	default:
		fail(w, r, http.StatusBadRequest, "unknown frame type: "+frame.Type)
	}
}

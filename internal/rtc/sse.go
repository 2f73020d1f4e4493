package rtc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEConnection is a Connection that receives over a Server-Sent Events
// stream and sends control and publish frames as JSON POSTs to the same URL.
type SSEConnection struct {
	*session

	mu          sync.Mutex
	lastEventID string
}

// NewSSE returns an SSEConnection for url. The stream is not opened until
// Connect is called.
func NewSSE(url string, headers map[string]string, opts Options) *SSEConnection {
	opts = opts.withDefaults()
	c := &SSEConnection{}
	client := opts.HTTPClient

	dial := func(ctx context.Context) (link, error) {
		streamCtx, cancel := context.WithCancel(context.Background())
		// The stream outlives ctx; ctx only bounds the handshake.
		stop := context.AfterFunc(ctx, cancel)

		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
		if err != nil {
			stop()
			cancel()
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		if id := c.eventID(); id != "" {
			req.Header.Set("Last-Event-ID", id)
		}

		resp, err := client.Do(req)
		stop()
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		return &sseLink{
			url:     url,
			headers: headers,
			client:  client,
			body:    resp.Body,
			cancel:  cancel,
			onID:    c.setEventID,
		}, nil
	}

	c.session = newSession(string(TransportSSE), url, dial, opts)
	return c
}

func (c *SSEConnection) eventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *SSEConnection) setEventID(id string) {
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

type sseLink struct {
	url     string
	headers map[string]string
	client  *http.Client
	body    io.ReadCloser
	cancel  context.CancelFunc
	onID    func(string)

	closeOnce sync.Once
}

func (l *sseLink) readLoop(deliver func([]byte)) error {
	return readEvents(l.body, func(ev event) {
		if ev.id != "" {
			l.onID(ev.id)
		}
		if len(ev.data) > 0 {
			deliver(ev.data)
		}
	})
}

func (l *sseLink) write(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	for k, v := range l.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (l *sseLink) close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.body.Close()
	})
	return err
}

// event is one dispatched Server-Sent Event.
type event struct {
	id   string
	name string
	data []byte
}

// readEvents parses an event stream from r, calling fn for each event. Data
// lines are joined with newlines; a blank line ends the event; comment lines
// are ignored. It returns io.EOF when the stream ends cleanly.
func readEvents(r io.Reader, fn func(event)) error {
	br := bufio.NewReader(r)
	var (
		ev      event
		data    bytes.Buffer
		hasData bool
	)

	for {
		line, err := br.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				ev.data = bytes.Clone(data.Bytes())
				fn(ev)
			}
			ev = event{}
			data.Reset()
			hasData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.id = value
		case "event":
			ev.name = value
		}
	}
}

package rtc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseTimeout = time.Second

// WebSocketConnection is a Connection over a WebSocket.
type WebSocketConnection struct {
	*session
}

// NewWebSocket returns a WebSocketConnection for url. The connection is not
// established until Connect is called. http and https URLs are mapped to ws
// and wss.
func NewWebSocket(url string, headers map[string]string, opts Options) *WebSocketConnection {
	opts = opts.withDefaults()
	url = websocketURL(url)
	header := toHeader(headers)
	dialer := opts.Dialer

	dial := func(ctx context.Context) (link, error) {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		return &wsLink{conn: conn}, nil
	}

	return &WebSocketConnection{session: newSession(string(TransportWebSockets), url, dial, opts)}
}

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *wsLink) readLoop(deliver func([]byte)) error {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		deliver(data)
	}
}

func (l *wsLink) write(ctx context.Context, frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		//nolint:errcheck // Best-effort deadline; write error caught below
		l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // reset
	}
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *wsLink) close() error {
	l.writeMu.Lock()
	//nolint:errcheck // Best-effort close message
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseTimeout))
	l.writeMu.Unlock()
	return l.conn.Close()
}

func websocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

func toHeader(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

package mqtt

import (
	"errors"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeBroker routes publishes between fakeClients in memory. Handlers run
// synchronously inside Publish.
type fakeBroker struct {
	mu      sync.Mutex
	clients []*fakeClient
	refuse  error
}

func (b *fakeBroker) newClient(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	c := &fakeClient{broker: b, opts: opts, subs: make(map[string]pahomqtt.MessageHandler)}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1]
}

func (b *fakeBroker) route(topic string, payload []byte) {
	b.mu.Lock()
	clients := append([]*fakeClient(nil), b.clients...)
	b.mu.Unlock()

	for _, c := range clients {
		for _, h := range c.matching(topic) {
			h(c, &fakeMessage{topic: topic, payload: payload})
		}
	}
}

// topicMatches supports exact filters and a trailing "#".
func topicMatches(filter, topic string) bool {
	if prefix, ok := strings.CutSuffix(filter, "#"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return filter == topic
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeClient struct {
	broker *fakeBroker
	opts   *pahomqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	subs        map[string]pahomqtt.MessageHandler
	subscribeN  int
	unsubscribe []string
	published   []published
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.broker.mu.Lock()
	refuse := c.broker.refuse
	c.broker.mu.Unlock()
	if refuse != nil {
		return &fakeToken{err: refuse}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return &fakeToken{err: errors.New("not connected")}
	}
	c.published = append(c.published, published{topic: topic, payload: b, retained: retained})
	c.mu.Unlock()

	c.broker.route(topic, b)
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
	c.subscribeN++
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
		c.unsubscribe = append(c.unsubscribe, t)
	}
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (c *fakeClient) matching(topic string) []pahomqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	var out []pahomqtt.MessageHandler
	for filter, h := range c.subs {
		if topicMatches(filter, topic) {
			out = append(out, h)
		}
	}
	return out
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

func (c *fakeClient) publishedTo(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// drop simulates a lost connection. The broker forgets the session's
// subscriptions, as with a clean session.
func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.subs = make(map[string]pahomqtt.MessageHandler)
	c.mu.Unlock()
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

// reconnect simulates paho's automatic reconnect.
func (c *fakeClient) reconnect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// recordingLogger captures log calls.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, level+" "+msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }

func (l *recordingLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

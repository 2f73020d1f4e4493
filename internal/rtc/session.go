package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// link is one established transport. A session replaces its link on every
// reconnect.
type link interface {
	// readLoop delivers inbound frames until the link fails or is closed and
	// returns the cause.
	readLoop(deliver func(frame []byte)) error
	write(ctx context.Context, frame []byte) error
	close() error
}

type dialFunc func(ctx context.Context) (link, error)

// session implements Connection on top of a dialFunc. It owns the state
// machine, the subscription registry and the reconnect loop.
type session struct {
	kind   string
	url    string
	dial   dialFunc
	opts   Options
	logger Logger
	subs   *Registry

	mu       sync.Mutex
	state    State
	link     link
	attempts int
	// gen changes whenever the current link is replaced or dropped so that
	// stale read and reconnect goroutines can tell they lost ownership.
	gen             uint64
	pending         *connectAttempt
	cancelReconnect context.CancelFunc
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

func newSession(kind, url string, dial dialFunc, opts Options) *session {
	opts = opts.withDefaults()
	return &session{
		kind:   kind,
		url:    url,
		dial:   dial,
		opts:   opts,
		logger: opts.Logger,
		subs:   NewRegistry(),
	}
}

// Connect implements Connection.
func (s *session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		p := s.pending
		s.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateReconnecting:
		s.stopReconnectLocked()
	}

	s.gen++
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.attempts = 0
	p := &connectAttempt{done: make(chan struct{})}
	s.pending = p
	s.mu.Unlock()

	s.logger.Debug("rtc: connecting", "transport", s.kind, "url", s.url)

	l, err := s.dial(ctx)

	s.mu.Lock()
	switch {
	case err != nil:
		if s.gen == gen {
			s.setStateLocked(StateDisconnected)
		}
		err = fmt.Errorf("%w: %w", ErrDialFailed, err)
	case s.gen != gen:
		// Disconnect ran while dialing.
		l.close() //nolint:errcheck // link never handed out
		err = fmt.Errorf("%w: disconnected while connecting", ErrDialFailed)
	default:
		gen = s.establishLocked(l)
	}
	p.err = err
	if s.pending == p {
		s.pending = nil
	}
	close(p.done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("rtc: connect failed", "transport", s.kind, "url", s.url, "error", err)
		return err
	}

	s.afterEstablish(gen, l)
	return nil
}

// establishLocked installs l as the current link. Caller holds s.mu.
func (s *session) establishLocked(l link) uint64 {
	s.gen++
	s.link = l
	s.setStateLocked(StateConnected)
	s.attempts = 0
	return s.gen
}

// afterEstablish re-announces subscriptions and starts reading.
func (s *session) afterEstablish(gen uint64, l link) {
	s.logger.Info("rtc: connected", "transport", s.kind, "url", s.url)

	for _, ch := range s.subs.Names() {
		if err := s.writeFrame(context.Background(), l, controlFrame{Type: typeSubscribe, Channel: ch}); err != nil {
			s.logger.Warn("rtc: failed to restore subscription", "channel", ch, "error", err)
		}
	}

	go s.read(gen, l)
}

func (s *session) read(gen uint64, l link) {
	err := l.readLoop(s.deliver)

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.setStateLocked(StateReconnecting)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelReconnect = cancel
	s.mu.Unlock()

	l.close() //nolint:errcheck // already failed
	s.logger.Warn("rtc: connection lost", "transport", s.kind, "url", s.url, "error", err)

	s.reconnect(ctx, gen)
}

// reconnect re-dials with exponential backoff until it succeeds, the
// attempts are exhausted, or ownership is lost to Connect/Disconnect.
func (s *session) reconnect(ctx context.Context, gen uint64) {
	policy := s.opts.policy()

	for attempt := 1; attempt <= s.opts.MaxReconnectAttempts; attempt++ {
		s.mu.Lock()
		if s.gen != gen || s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.attempts = attempt
		s.mu.Unlock()

		delay := policy.Delay(attempt)
		s.logger.Info("rtc: reconnecting", "transport", s.kind, "attempt", attempt, "delay", delay)
		if err := s.opts.Sleep(ctx, delay); err != nil {
			return
		}

		l, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("rtc: reconnect attempt failed", "transport", s.kind, "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if s.gen != gen || s.state != StateReconnecting {
			s.mu.Unlock()
			l.close() //nolint:errcheck // superseded
			return
		}
		s.stopReconnectLocked()
		newGen := s.establishLocked(l)
		s.mu.Unlock()

		s.afterEstablish(newGen, l)
		return
	}

	s.mu.Lock()
	if s.gen == gen && s.state == StateReconnecting {
		s.setStateLocked(StateFailed)
		s.stopReconnectLocked()
	}
	s.mu.Unlock()

	s.logger.Error("rtc: reconnect failed, giving up", "transport", s.kind, "url", s.url,
		"attempts", s.opts.MaxReconnectAttempts)
}

func (s *session) stopReconnectLocked() {
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}
}

// Disconnect implements Connection.
func (s *session) Disconnect() error {
	s.mu.Lock()
	s.gen++
	l := s.link
	s.link = nil
	s.stopReconnectLocked()
	s.setStateLocked(StateDisconnected)
	s.attempts = 0
	s.mu.Unlock()

	s.subs.Clear()

	if l == nil {
		return nil
	}
	s.logger.Info("rtc: disconnected", "transport", s.kind, "url", s.url)
	return l.close()
}

// Subscribe implements Connection.
func (s *session) Subscribe(channel string, handler Handler) func() {
	id, first := s.subs.Add(channel, handler)
	if first {
		s.sendControl(typeSubscribe, channel)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if s.subs.Remove(channel, id) {
				s.sendControl(typeUnsubscribe, channel)
			}
		})
	}
}

// sendControl writes a subscribe/unsubscribe frame when connected. While
// disconnected the frame is skipped; subscriptions are re-announced on
// connect.
func (s *session) sendControl(frameType, channel string) {
	l := s.currentLink()
	if l == nil {
		return
	}
	if err := s.writeFrame(context.Background(), l, controlFrame{Type: frameType, Channel: channel}); err != nil {
		s.logger.Warn("rtc: failed to send control frame", "type", frameType, "channel", channel, "error", err)
	}
}

// Publish implements Connection.
func (s *session) Publish(ctx context.Context, channel string, message any) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	l := s.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	return s.writeFrame(ctx, l, controlFrame{Type: typePublish, Channel: channel, Message: message})
}

// Send implements Connection.
func (s *session) Send(ctx context.Context, data any, channel string) error {
	if channel != "" {
		return s.Publish(ctx, channel, data)
	}
	l := s.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	return s.writeFrame(ctx, l, data)
}

func (s *session) writeFrame(ctx context.Context, l link, v any) error {
	var frame []byte
	switch data := v.(type) {
	case []byte:
		frame = data
	case json.RawMessage:
		frame = data
	default:
		var err error
		frame, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encoding frame: %w", ErrWriteFailed, err)
		}
	}
	if err := l.write(ctx, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (s *session) deliver(frame []byte) {
	var msg inboundFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Warn("rtc: failed to parse message", "transport", s.kind, "error", err)
		return
	}
	if msg.Channel == "" {
		s.logger.Debug("rtc: message without channel dropped", "transport", s.kind)
		return
	}
	s.subs.Dispatch(msg.Channel, msg.Message, s.logger)
}

func (s *session) currentLink() link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.link
}

// IsConnected implements Connection.
func (s *session) IsConnected() bool {
	return s.currentLink() != nil
}

// setStateLocked records a transition and reports it to OnStateChange.
// s.mu must be held.
func (s *session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.url, state)
	}
}

// State implements Connection.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts returns the number of reconnect attempts made since the
// connection was last established.
func (s *session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// URL returns the endpoint the session dials.
func (s *session) URL() string {
	return s.url
}

package mqtt

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const maxPayloadSize = 1 << 20

// await blocks until token completes, ctx ends or timeout elapses.
func await(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrNoAck, timeout)
	}
}

// Publish sends payload to topic at the session QoS. Payloads are never
// retained; the broker keeps only status announcements.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := await(ctx, c.paho.Publish(topic, c.qos, false, payload), defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe routes messages matching filter, which may hold wildcards, to
// handler. Subscribing a tracked filter again replaces its handler.
func (c *Client) Subscribe(ctx context.Context, filter string, handler MessageHandler) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subs[filter] = handler
	c.subMu.Unlock()

	if err := await(ctx, c.paho.Subscribe(filter, c.qos, c.deliver(handler)), defaultPublishTimeout); err != nil {
		c.forget(filter)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// Unsubscribe stops tracking filter and tells the broker when connected.
// While the link is down forgetting the filter is enough, since only
// tracked filters are re-sent on reconnect.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	c.forget(filter)
	if !c.IsConnected() {
		return nil
	}

	if err := await(ctx, c.paho.Unsubscribe(filter), defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

func (c *Client) forget(filter string) {
	c.subMu.Lock()
	delete(c.subs, filter)
	c.subMu.Unlock()
}

// Subscriptions returns the tracked filters in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return slices.Sorted(maps.Keys(c.subs))
}

// HasSubscription reports whether filter itself is tracked. Wildcards are
// compared literally.
func (c *Client) HasSubscription(filter string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subs[filter]
	return ok
}

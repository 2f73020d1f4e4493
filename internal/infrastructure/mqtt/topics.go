package mqtt

import (
	"errors"
	"strings"
)

// Topic prefixes.
const (
	// DefaultPrefix is used when a socket URL has no path.
	DefaultPrefix = "apilink"

	// TopicPrefixStatus is the base for client presence topics.
	TopicPrefixStatus = "apilink/status"
)

// Topics maps rtc channels onto MQTT topics below Prefix.
//
//	topics := mqtt.Topics{Prefix: "chat"}
//	topics.Channel("room-1") // "chat/room-1"
type Topics struct {
	Prefix string
}

// Channel returns the topic for channel.
func (t Topics) Channel(channel string) string {
	return t.prefix() + "/" + channel
}

// ChannelOf returns the channel a topic belongs to, or false when the
// topic is outside Prefix.
func (t Topics) ChannelOf(topic string) (string, bool) {
	ch, ok := strings.CutPrefix(topic, t.prefix()+"/")
	if !ok || ch == "" {
		return "", false
	}
	return ch, true
}

// Base returns the prefix topic itself, used for raw sends.
func (t Topics) Base() string {
	return t.prefix()
}

// All returns the wildcard topic matching every channel.
func (t Topics) All() string {
	return t.prefix() + "/#"
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// ValidateChannel rejects channel names that are empty or would act as
// MQTT wildcards.
func ValidateChannel(channel string) error {
	if channel == "" {
		return errors.New("channel is empty")
	}
	if strings.ContainsAny(channel, "+#") {
		return errors.New("channel must not contain MQTT wildcards")
	}
	return nil
}

// StatusTopic returns the retained presence topic for a client.
//
// Example: apilink/status/apilink-3f2a9c1b
func StatusTopic(clientID string) string {
	return TopicPrefixStatus + "/" + clientID
}

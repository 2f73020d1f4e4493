package mqtt

import "errors"

// Errors returned by Client. Connection maps them onto the rtc errors.
var (
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrConnectionFailed = errors.New("mqtt: broker connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrPayloadTooLarge  = errors.New("mqtt: payload too large")

	// ErrNoAck means the broker did not acknowledge an operation in time.
	ErrNoAck = errors.New("mqtt: no acknowledgement from broker")

	// ErrInvalidTopic covers empty topics, wildcard publish topics and
	// channel names containing wildcards.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)

package rtc

import "errors"

// Sentinel errors returned by connections.
var (
	// ErrNotConnected is returned by Publish and Send while no transport is
	// established. Messages are never queued.
	ErrNotConnected = errors.New("rtc: not connected")

	// ErrDialFailed wraps failures to establish the underlying transport.
	ErrDialFailed = errors.New("rtc: dial failed")

	// ErrInvalidChannel is returned when a channel name is empty.
	ErrInvalidChannel = errors.New("rtc: invalid channel")

	// ErrWriteFailed wraps failures to deliver an outbound frame.
	ErrWriteFailed = errors.New("rtc: write failed")
)

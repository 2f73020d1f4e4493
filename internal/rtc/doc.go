// Package rtc provides real-time channel connections over WebSocket and
// Server-Sent Events behind a single Connection interface.
//
// # Wire format
//
// Outbound control and publish frames are JSON objects:
//
//	{"type": "subscribe",   "channel": "orders"}
//	{"type": "unsubscribe", "channel": "orders"}
//	{"type": "publish",     "channel": "orders", "message": {...}}
//
// Inbound frames carry a channel and an arbitrary JSON message:
//
//	{"channel": "orders", "message": {...}}
//
// Frames that fail to parse are logged and dropped; the connection stays up.
//
// # Lifecycle
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting   (unexpected close)
//	Reconnecting -> Connected   (re-dial succeeded, channels re-announced)
//	Reconnecting -> Failed      (MaxReconnectAttempts exhausted)
//	any -> Disconnected         (Disconnect)
//
// Reconnect delays follow BaseDelay * 2^(attempt-1): 1s, 2s, 4s, 8s, 16s with
// the defaults. Disconnect clears every subscription; a later Connect on the
// same instance starts over.
//
// # Handlers
//
// Handlers for one channel run in registration order on the reading
// goroutine. A handler that returns an error or panics is logged and does not
// prevent the remaining handlers from running.
//
// # Transports
//
// Factory.Create selects an implementation by transport name. "websockets"
// and "sse" are built in; "mqtt" and "webrtc" fail with a configuration error
// unless a constructor has been registered with Factory.Register.
package rtc

// Package mqtt provides the MQTT real-time transport.
//
// Client wraps paho.mqtt.golang with auto-reconnect, subscription tracking
// that survives reconnects, handler panic recovery, and a retained
// presence topic backed by a Last Will and Testament.
//
// Connection adapts a Client to rtc.Connection. Channels become topics
// below the socket path, and message payloads are the JSON messages
// themselves with no envelope:
//
//	socket path "/chat", channel "room-1"  ->  topic "chat/room-1"
//
// Collections only use MQTT once the transport is registered:
//
//	factory := rtc.NewFactory(rtc.Options{Logger: logger})
//	mqtt.Register(factory, cfg.MQTT)
//	coll, err := apiclient.NewCollection(collCfg, apiclient.WithFactory(factory))
//
// Without Register, sockets declared with transport "mqtt" fail with a
// configuration error.
//
// # Security Considerations
//
//   - Enable TLS (broker.tls or an mqtts:// socket URL) outside local development
//   - Credentials are validated against the broker ACL
//   - Payloads are not encrypted beyond TLS transport
package mqtt

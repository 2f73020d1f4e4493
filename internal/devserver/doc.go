// Package devserver implements a local HTTP backend for trying collections
// without a real API.
//
// It provides:
//   - An in-memory resource API under /{resource} with list, create, item
//     read, replace, patch and delete, plus /{resource}/_meta
//   - A WebSocket endpoint (/ws) and a Server-Sent Events endpoint
//     (/events, POST /events for frames) speaking the rtc wire format
//   - Change notifications on the channel named after each resource
//   - Optional HS256 bearer token checks
//
// # Resources
//
// Resources are created on first write. Items are JSON objects keyed by a
// string "id"; a missing id is assigned from a counter. List endpoints
// accept _page and _limit, treat every other query parameter as an equality
// filter and report the filtered total in X-Total-Count.
//
// # Real-time
//
//	-> {"type": "subscribe", "channel": "users"}
//	<- {"channel": "users", "message": {"action": "created", "id": "3", "item": {...}}}
//
// Event stream clients receive every channel. Each event carries an id; a
// reconnecting client that sends Last-Event-ID is replayed the missed events
// still held in memory.
//
// # Lifecycle
//
//	srv, err := devserver.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package devserver

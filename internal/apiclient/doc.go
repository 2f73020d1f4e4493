// Package apiclient turns a declarative collection configuration into
// callable API operations.
//
// A CollectionConfig names four kinds of operation:
//   - commands: writes, sent as POST with a payload
//   - queries: reads, with list (Query), single item (QueryItem) and
//     metadata (QueryMeta) variants
//   - requests: any HTTP method, declared explicitly
//   - sockets: real-time channels over WebSocket or SSE (see package rtc)
//
// Every call resolves its URL, headers, payload and response shape through
// the configured processors and returns a Response envelope, or one of the
// errors from package apierr.
//
// A Manager registers several collections, addresses operations as
// "collection:operation" and caches metadata responses.
//
// Usage:
//
//	m, err := apiclient.NewManager(apiclient.CollectionConfig{
//	    Name:    "blog",
//	    BaseURL: "https://api.example.com",
//	    Queries: map[string]apiclient.QueryConfig{
//	        "posts": apiclient.QueryPath("/posts"),
//	    },
//	})
//	resp, err := m.Query(ctx, "blog:posts", nil)
package apiclient

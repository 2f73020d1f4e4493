// Package loader reads declarative collection files and turns them into
// apiclient.CollectionConfig values.
//
// A collection file is YAML, JSON or JSONC (JSON with comments and trailing
// commas). Every operation may be written as a bare path string or as an
// object:
//
//	name: users
//	base_url: https://api.example.com
//	headers:
//	  Accept-Language: en
//	queries:
//	  list: /users
//	  search:
//	    path: /users/search
//	    meta: /users/_meta
//	    response: results
//	commands:
//	  create:
//	    path: /users
//	    required: [email]
//	requests:
//	  remove:
//	    method: DELETE
//	    path: /users/{id}
//	sockets:
//	  events:
//	    path: /events
//	    transport: sse
//
// Collection files may also be fetched over HTTP with LoadRemote, which
// retries transient failures with exponential backoff.
package loader

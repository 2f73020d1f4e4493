// Package openapi derives collection files from OpenAPI 3.x documents.
//
// Operations map onto collection sections as follows:
//
//	GET  /things              query "things"
//	GET  /things/{id}         item endpoint of the "things" query, or a GET request
//	GET  /things/_meta        meta endpoint of the "things" query
//	GET  (text/event-stream)  sse socket
//	POST /things              command, with required body fields
//	PUT, PATCH, DELETE,
//	HEAD, OPTIONS             requests
//
// Names come from operationId when present and from the method and path
// otherwise.
package openapi

// Package apierr defines the error taxonomy shared by the API access layer.
//
// Three kinds of failure are distinguished:
//   - ConfigurationError: an unknown collection, operation or transport, or a
//     feature that is declared but not implemented
//   - ValidationError: a data processor rejected the outgoing payload
//   - HTTPError: the server answered with a non-2xx status, or the request
//     never produced a response (Status 0)
//
// Callers match them with errors.Is against the sentinels or errors.As
// against the concrete types:
//
//	var httpErr *apierr.HTTPError
//	if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
//	    ...
//	}
package apierr

package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is the body of every error response.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Values of Error.Code.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeConflict         = "conflict"
	CodePayloadTooLarge  = "payload_too_large"
	CodeValidation       = "validation_error"
	CodeInternal         = "internal_error"
)

var codeByStatus = map[int]string{
	http.StatusBadRequest:            CodeBadRequest,
	http.StatusUnauthorized:          CodeUnauthorized,
	http.StatusNotFound:              CodeNotFound,
	http.StatusMethodNotAllowed:      CodeMethodNotAllowed,
	http.StatusConflict:              CodeConflict,
	http.StatusRequestEntityTooLarge: CodePayloadTooLarge,
	http.StatusUnprocessableEntity:   CodeValidation,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
	}
}

// fail writes an Error for status carrying the request's ID.
func fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	code, ok := codeByStatus[status]
	if !ok {
		code = CodeInternal
	}
	writeJSON(w, status, Error{Status: status, Code: code, Message: message, RequestID: requestID(r.Context())})
}

// failWith maps err onto a response. Store errors and oversized bodies
// keep their message; anything else is an opaque 500.
func failWith(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNotFound):
		fail(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		fail(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidItem):
		fail(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &tooLarge):
		fail(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
	default:
		fail(w, r, http.StatusInternalServerError, "internal server error")
	}
}

// failDecode reports a body that could not be decoded as JSON.
func failDecode(w http.ResponseWriter, r *http.Request, err error, message string) {
	if errors.As(err, new(*http.MaxBytesError)) {
		failWith(w, r, err)
		return
	}
	fail(w, r, http.StatusBadRequest, message)
}

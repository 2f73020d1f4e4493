package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched by the concrete error types via errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrHTTP          = errors.New("http error")
)

// ConfigurationError reports a misconfigured or unsupported operation.
type ConfigurationError struct {
	Message string
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ValidationError reports an invalid payload. Field names the offending
// input when one can be identified.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// HTTPError carries the status and decoded body of a failed request.
//
// Status is 0 when the request failed before a response was received; Err
// then holds the transport failure.
type HTTPError struct {
	Status     int
	StatusText string
	Response   any
	Headers    map[string]string
	Err        error
}

// NewHTTPError builds an HTTPError for a non-2xx response.
func NewHTTPError(status int, response any, headers map[string]string) *HTTPError {
	return &HTTPError{
		Status:     status,
		StatusText: http.StatusText(status),
		Response:   response,
		Headers:    headers,
	}
}

func (e *HTTPError) Error() string {
	if e.Status == 0 {
		if e.Err != nil {
			return fmt.Sprintf("request failed: %v", e.Err)
		}
		return "request failed"
	}
	return fmt.Sprintf("HTTP %d %s", e.Status, e.StatusText)
}

// Is reports whether target is ErrHTTP.
func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTP
}

// Unwrap returns the transport failure, if any.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

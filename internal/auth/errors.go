package auth

import "errors"

// Sentinel errors for token handling.
var (
	ErrTokenInvalid  = errors.New("auth: invalid token")
	ErrMissingSecret = errors.New("auth: signing secret is required")
	ErrTokenSource   = errors.New("auth: token request failed")
)

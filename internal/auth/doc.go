// Package auth provides header processors that authenticate outgoing API
// calls:
//   - BearerJWT signs short-lived HS256 tokens and reuses them until they
//     are close to expiry
//   - OAuth2ClientCredentials fetches and refreshes tokens with the OAuth 2.0
//     client credentials grant
//   - RequestID tags every call with a fresh X-Request-ID
//
// ParseToken verifies tokens produced by BearerJWT; the development server
// uses it to guard its routes.
package auth

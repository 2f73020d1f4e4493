package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nerrad567/apilink/internal/apiclient"
)

// RequestIDHeader is set by RequestID.
const RequestIDHeader = "X-Request-ID"

// BearerJWT returns a HeaderProcessor that adds "Authorization: Bearer
// <token>". Tokens are signed on first use and reused until RefreshAhead
// before they expire.
func BearerJWT(cfg JWTConfig) (apiclient.HeaderProcessor, error) {
	return bearerJWT(cfg, time.Now)
}

func bearerJWT(cfg JWTConfig, now func() time.Time) (apiclient.HeaderProcessor, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	cfg = cfg.withDefaults()

	var (
		mu      sync.Mutex
		token   string
		expires time.Time
	)
	return func(context.Context, *apiclient.Params, any) (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()

		t := now()
		if token == "" || !t.Add(cfg.RefreshAhead).Before(expires) {
			var err error
			token, expires, err = GenerateToken(cfg, t)
			if err != nil {
				token = ""
				return nil, err
			}
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}, nil
}

// OAuth2Config configures the client credentials grant.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	// EndpointParams are extra form values sent with token requests.
	EndpointParams map[string][]string
	// HTTPClient is used for token requests when set.
	HTTPClient *http.Client
}

// OAuth2ClientCredentials returns a HeaderProcessor backed by an OAuth 2.0
// client credentials token source. Tokens are cached and refreshed by the
// token source.
func OAuth2ClientCredentials(cfg OAuth2Config) apiclient.HeaderProcessor {
	cc := &clientcredentials.Config{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		TokenURL:       cfg.TokenURL,
		Scopes:         cfg.Scopes,
		EndpointParams: cfg.EndpointParams,
	}

	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	source := cc.TokenSource(ctx)

	return func(context.Context, *apiclient.Params, any) (map[string]string, error) {
		tok, err := source.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenSource, err)
		}
		return map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}, nil
	}
}

// RequestID returns a HeaderProcessor that sets a new UUID in
// X-Request-ID on every call.
func RequestID() apiclient.HeaderProcessor {
	return func(context.Context, *apiclient.Params, any) (map[string]string, error) {
		return map[string]string{RequestIDHeader: uuid.NewString()}, nil
	}
}

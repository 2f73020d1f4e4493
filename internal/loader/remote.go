package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/nerrad567/apilink/internal/backoff"
)

// Remote loading defaults.
const (
	DefaultRemoteTimeout = 10 * time.Second
	DefaultRemoteRetries = 3
	maxRemoteSize        = 4 << 20
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteOptions tunes LoadRemote. Zero values select defaults.
type RemoteOptions struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Retries is the number of attempts after the first. Negative values
	// disable retrying.
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	Client Doer
	Sleep  backoff.SleepFunc
}

// LoadRemote fetches and parses a collection file over HTTP. Network
// failures and 5xx responses are retried with exponential backoff; 4xx
// responses fail immediately.
func LoadRemote(ctx context.Context, rawURL string, opts RemoteOptions) (*File, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRemoteTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultRemoteRetries
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}

	policy := backoff.Policy{
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
		MaxAttempts: opts.Retries + 1,
	}

	var f *File
	err := backoff.Retry(ctx, policy, opts.Sleep, func(ctx context.Context, _ int) error {
		var err error
		f, err = fetch(ctx, rawURL, opts)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrFetch) || errors.Is(err, ErrParse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return f, nil
}

func fetch(ctx context.Context, rawURL string, opts RemoteOptions) (*File, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrFetch, err))
	}
	req.Header.Set("Accept", "application/yaml, application/json;q=0.9, */*;q=0.5")

	res, err := opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s returned %s", ErrFetch, rawURL, res.Status))
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned %s", rawURL, res.Status)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxRemoteSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if len(data) > maxRemoteSize {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, rawURL, maxRemoteSize))
	}

	f, err := Parse(data, remoteFormat(rawURL, res.Header.Get("Content-Type")))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return f, nil
}

func remoteFormat(rawURL, contentType string) Format {
	mediaType, _, _ := mime.ParseMediaType(contentType) //nolint:errcheck // empty on failure
	switch mediaType {
	case "application/json":
		if u, err := url.Parse(rawURL); err == nil && FormatFromPath(u.Path) == FormatJSONC {
			return FormatJSONC
		}
		return FormatJSON
	case "application/yaml", "application/x-yaml", "text/yaml":
		return FormatYAML
	}
	if u, err := url.Parse(rawURL); err == nil {
		return FormatFromPath(u.Path)
	}
	return FormatYAML
}

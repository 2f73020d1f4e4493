package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client batches telemetry points into one bucket. Writes never block the
// caller; rejected batches are counted and handed to the SetOnError
// callback. Safe for concurrent use.
type Client struct {
	influx influxdb2.Client
	writer api.WriteAPI
	now    func() time.Time

	closed   atomic.Bool
	failures atomic.Int64

	errMu   sync.Mutex
	onError func(err error)
}

// writeOptions maps cfg onto the client's batching options. Non-positive
// values fall back to the defaults.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) //nolint:gosec // positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // positive
}

// Connect pings the server in cfg within ctx and starts the batched
// writer for cfg.Org and cfg.Bucket.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))
	if err := ping(ctx, influx); err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	}

	c := &Client{
		influx: influx,
		writer: influx.WriteAPI(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}
	go c.drain(c.writer.Errors())
	return c, nil
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	ok, err := influx.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ping answered unhealthy")
	}
	return nil
}

// drain consumes write failures until the writer shuts down.
func (c *Client) drain(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)
		c.errMu.Lock()
		callback := c.onError
		c.errMu.Unlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError registers a callback for rejected batches. It runs on the
// writer's goroutine.
func (c *Client) SetOnError(callback func(err error)) {
	c.errMu.Lock()
	c.onError = callback
	c.errMu.Unlock()
}

// Failures returns how many batches the server rejected so far.
func (c *Client) Failures() int64 {
	return c.failures.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ping(ctx, c.influx); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client still accepts points.
func (c *Client) IsConnected() bool {
	return c.influx != nil && !c.closed.Load()
}

// Flush writes buffered points now. It is a no-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writer.Flush()
	}
}

// Close writes pending points and releases the client. Later calls do
// nothing.
func (c *Client) Close() error {
	if c.influx == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writer.Flush()
	c.influx.Close()
	return nil
}

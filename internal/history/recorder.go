// Package history records every HTTP operation executed through a
// collection in the request_history table and answers queries over it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/apilink/internal/apiclient"
)

// DefaultQueueSize is the number of pending entries a Recorder buffers
// before dropping new ones.
const DefaultQueueSize = 256

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("history: recorder closed")

// Entry is one recorded operation.
type Entry struct {
	ID         int64         `json:"id"`
	Collection string        `json:"collection"`
	Operation  string        `json:"operation"`
	Kind       string        `json:"kind"`
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	Status     int           `json:"status"`
	Duration   time.Duration `json:"duration"`
	Cached     bool          `json:"cached"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Collection string // optional
	Operation  string // optional
	ErrorsOnly bool
	Limit      int // default 50, max 500
	Offset     int
}

// ListResult is a page of entries, most recent first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// OperationStats aggregates the entries of one collection operation.
type OperationStats struct {
	Collection  string        `json:"collection"`
	Operation   string        `json:"operation"`
	Count       int           `json:"count"`
	Errors      int           `json:"errors"`
	Cached      int           `json:"cached"`
	AvgDuration time.Duration `json:"avg_duration"`
	LastAt      time.Time     `json:"last_at"`
}

// Recorder writes operation events to SQLite. As an apiclient.Observer it
// queues events and writes them from a background goroutine, so observing
// never waits on the database.
type Recorder struct {
	db     *sql.DB
	logger apiclient.Logger
	now    func() time.Time

	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for write failures and dropped events.
func WithLogger(logger apiclient.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithQueueSize sets the background queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Entry, n)
		}
	}
}

// WithClock overrides the time source used by Prune and for events
// without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder returns a Recorder over db and starts its writer. The
// request_history table must exist; run the migrations first.
func NewRecorder(db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{
		db:    db,
		now:   time.Now,
		queue: make(chan Entry, DefaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// ObserveOperation implements apiclient.Observer. When the queue is full
// the event is dropped and counted.
func (r *Recorder) ObserveOperation(_ context.Context, ev apiclient.OperationEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- r.entryFrom(ev):
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.warn("request history queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) entryFrom(ev apiclient.OperationEvent) Entry {
	e := Entry{
		Collection: ev.Collection,
		Operation:  ev.Operation,
		Kind:       string(ev.Kind),
		Method:     ev.Method,
		URL:        ev.URL,
		Status:     ev.Status,
		Duration:   ev.Duration,
		Cached:     ev.Cached,
		CreatedAt:  ev.Time,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	return e
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.insert(ctx, &e); err != nil {
			r.warn("request history write failed", "operation", e.Collection+":"+e.Operation, "error", err)
		}
		cancel()
	}
}

// Record writes e synchronously and sets its ID. A zero CreatedAt is set
// to the current time.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return r.insert(ctx, e)
}

func (r *Recorder) insert(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO request_history
		 (collection, operation, kind, method, url, status, duration_ms, cached, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Collection, e.Operation, e.Kind, e.Method, e.URL, e.Status,
		e.Duration.Milliseconds(), e.Cached, nullableString(e.Error),
		e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting request history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading request history id: %w", err)
	}
	e.ID = id
	return nil
}

// nullableString returns nil for empty strings so they are stored as NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close stops accepting events and waits until every queued event is
// written. It does not close the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return nil
}

// Recent returns the latest limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	res, err := r.List(ctx, Filter{Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// List returns entries matching the filter, newest first.
func (r *Recorder) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where, args := filter.where()

	var total int
	countQuery := "SELECT COUNT(*) FROM request_history " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting request history: %w", err)
	}

	query := `SELECT id, collection, operation, kind, method, url, status, duration_ms, cached, error, created_at
		FROM request_history ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?` //nolint:gosec // WHERE built from parameterised conditions
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying request history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			durationMS int64
			errText    sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.Collection, &e.Operation, &e.Kind, &e.Method, &e.URL,
			&e.Status, &durationMS, &e.Cached, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning request history: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Error = errText.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request history: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func (f Filter) where() (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.Collection != "" {
		conditions = append(conditions, "collection = ?")
		args = append(args, f.Collection)
	}
	if f.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.ErrorsOnly {
		conditions = append(conditions, "error IS NOT NULL")
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// Stats aggregates entries per collection operation, ordered by
// collection then operation.
func (r *Recorder) Stats(ctx context.Context) ([]OperationStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT collection, operation, COUNT(*),
		       SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END),
		       SUM(cached),
		       AVG(duration_ms),
		       MAX(created_at)
		FROM request_history
		GROUP BY collection, operation
		ORDER BY collection, operation`)
	if err != nil {
		return nil, fmt.Errorf("querying request history stats: %w", err)
	}
	defer rows.Close()

	stats := []OperationStats{}
	for rows.Next() {
		var (
			s      OperationStats
			avgMS  float64
			lastAt int64
		)
		if err := rows.Scan(&s.Collection, &s.Operation, &s.Count, &s.Errors, &s.Cached, &avgMS, &lastAt); err != nil {
			return nil, fmt.Errorf("scanning request history stats: %w", err)
		}
		s.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
		s.LastAt = time.UnixMilli(lastAt).UTC()
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request history stats: %w", err)
	}
	return stats, nil
}

// Prune deletes entries older than olderThan and returns how many were
// removed. A non-positive olderThan removes nothing.
func (r *Recorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-olderThan).UnixMilli()

	res, err := r.db.ExecContext(ctx, "DELETE FROM request_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning request history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning request history: %w", err)
	}
	return n, nil
}

func (r *Recorder) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

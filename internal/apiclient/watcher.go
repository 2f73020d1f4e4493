package apiclient

import (
	"context"
	"sync"
)

// ItemWatcher keeps one item response current. It refetches exactly when
// the (item ID, operation name, params) key changes.
type ItemWatcher struct {
	m *Manager

	mu   sync.Mutex
	key  string
	last *Response
}

// NewItemWatcher returns an ItemWatcher that fetches through m.
func NewItemWatcher(m *Manager) *ItemWatcher {
	return &ItemWatcher{m: m}
}

// Update returns the item for the given key, fetching it only when the key
// differs from the previous successful call. fetched reports whether a
// request was made. A failed fetch leaves the previous state in place, so
// the next Update retries.
func (w *ItemWatcher) Update(ctx context.Context, itemID, name string, params *Params) (resp *Response, fetched bool, err error) {
	key := itemID + "\x00" + name + "\x00" + paramsKey(params)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.last != nil && key == w.key {
		return w.last, false, nil
	}

	resp, err = w.m.QueryItem(ctx, name, itemID, params)
	if err != nil {
		return nil, true, err
	}
	w.key = key
	w.last = resp
	return resp, true, nil
}

// Current returns the last fetched response, or nil.
func (w *ItemWatcher) Current() *Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Reset forgets the current item so the next Update fetches.
func (w *ItemWatcher) Reset() {
	w.mu.Lock()
	w.key = ""
	w.last = nil
	w.mu.Unlock()
}

package devserver

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// Store errors.
var (
	ErrNotFound    = errors.New("devserver: not found")
	ErrConflict    = errors.New("devserver: already exists")
	ErrInvalidItem = errors.New("devserver: invalid item")
)

// Item is one stored resource object. Every item carries a string "id".
type Item = map[string]any

// Meta summarises a resource for the _meta endpoint.
type Meta struct {
	Resource string   `json:"resource"`
	Count    int      `json:"count"`
	Fields   []string `json:"fields"`
}

// Store is an in-memory set of named resources, each an ordered list of
// items keyed by ID. Resources are created on first write. It is safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	resources map[string]*resource
}

type resource struct {
	items  map[string]Item
	order  []string
	nextID int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{resources: make(map[string]*resource)}
}

// Seed inserts items into the named resource.
func (s *Store) Seed(name string, items []Item) error {
	for i, item := range items {
		if _, err := s.Create(name, item); err != nil {
			return fmt.Errorf("seeding %s[%d]: %w", name, i, err)
		}
	}
	return nil
}

// Resources returns the names of every resource holding at least one item.
func (s *Store) Resources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.resources))
	for name, r := range s.resources {
		if len(r.order) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// List returns the items of a resource in insertion order. When filter is
// non-empty only items whose fields print equal to every filter value are
// returned. An unknown resource lists as empty.
func (s *Store) List(name string, filter map[string]string) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Item{}
	r, ok := s.resources[name]
	if !ok {
		return out
	}
	for _, id := range r.order {
		item := r.items[id]
		if matches(item, filter) {
			out = append(out, maps.Clone(item))
		}
	}
	return out
}

func matches(item Item, filter map[string]string) bool {
	for k, want := range filter {
		v, ok := item[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Get returns a copy of one item.
func (s *Store) Get(name, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	return maps.Clone(item), nil
}

// Create stores item. An "id" field is kept when present and otherwise
// assigned from a per-resource counter.
func (s *Store) Create(name string, item Item) (Item, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidItem)
	}
	item = maps.Clone(item)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[name]
	if !ok {
		r = &resource{items: make(map[string]Item)}
		s.resources[name] = r
	}

	raw := item["id"]
	id, hasID := itemID(raw)
	if !hasID && raw != nil && raw != "" {
		return nil, fmt.Errorf("%w: id must be a string or number", ErrInvalidItem)
	}
	if hasID {
		if _, exists := r.items[id]; exists {
			return nil, fmt.Errorf("%w: %s/%s", ErrConflict, name, id)
		}
	} else {
		for {
			r.nextID++
			id = strconv.Itoa(r.nextID)
			if _, exists := r.items[id]; !exists {
				break
			}
		}
	}

	item["id"] = id
	r.items[id] = item
	r.order = append(r.order, id)
	return maps.Clone(item), nil
}

// Replace overwrites an existing item. The stored ID is kept.
func (s *Store) Replace(name, id string, item Item) (Item, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidItem)
	}
	return s.update(name, id, func(Item) Item {
		next := maps.Clone(item)
		next["id"] = id
		return next
	})
}

// Patch merges fields into an existing item. The "id" field cannot be
// changed.
func (s *Store) Patch(name, id string, fields Item) (Item, error) {
	return s.update(name, id, func(current Item) Item {
		next := maps.Clone(current)
		for k, v := range fields {
			if k != "id" {
				next[k] = v
			}
		}
		return next
	})
}

func (s *Store) update(name, id string, fn func(Item) Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	current, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	next := fn(current)
	r.items[id] = next
	return maps.Clone(next), nil
}

// Delete removes an item.
func (s *Store) Delete(name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	delete(r.items, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	return nil
}

// Meta returns the item count and the sorted union of field names.
func (s *Store) Meta(name string) Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Meta{Resource: name, Fields: []string{}}
	r, ok := s.resources[name]
	if !ok {
		return m
	}
	seen := make(map[string]struct{})
	for _, item := range r.items {
		for k := range item {
			seen[k] = struct{}{}
		}
	}
	m.Count = len(r.items)
	m.Fields = slices.Sorted(maps.Keys(seen))
	return m
}

func itemID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case uint64:
		return strconv.FormatUint(id, 10), true
	default:
		return "", false
	}
}

package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Query parameters reserved for paging; all others filter list results.
const (
	paramPage  = "_page"
	paramLimit = "_limit"
)

// TotalCountHeader carries the unpaged size of a list response.
const TotalCountHeader = "X-Total-Count"

// Change actions broadcast on a resource's channel.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ChangeEvent is broadcast on the channel named after a resource whenever
// one of its items changes.
type ChangeEvent struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Item   Item   `json:"item,omitempty"`
}

func (s *Server) notifyChange(resource, action, id string, item Item) {
	if err := s.Broadcast(resource, ChangeEvent{Action: action, ID: id, Item: item}); err != nil {
		s.logger.Warn("failed to broadcast change", "resource", resource, "id", id, "error", err)
	}
}

// handleIndex lists the resources that hold items.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": s.store.Resources(),
	})
}

// handleList returns a resource's items. Query parameters other than _page
// and _limit filter by field value; X-Total-Count reports the filtered
// total before paging.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	query := r.URL.Query()

	page, limit, err := paging(query)
	if err != nil {
		fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := make(map[string]string)
	for k, v := range query {
		if k != paramPage && k != paramLimit && len(v) > 0 {
			filter[k] = v[0]
		}
	}

	items := s.store.List(resource, filter)
	w.Header().Set(TotalCountHeader, strconv.Itoa(len(items)))

	if limit > 0 {
		start := min((page-1)*limit, len(items))
		end := min(start+limit, len(items))
		items = items[start:end]
	}
	writeJSON(w, http.StatusOK, items)
}

func paging(query url.Values) (page, limit int, err error) {
	page = 1
	if v := query.Get(paramPage); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, errors.New("_page must be a positive integer")
		}
	}
	if v := query.Get(paramLimit); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, errors.New("_limit must be a non-negative integer")
		}
	}
	return page, limit, nil
}

// handleMeta describes a resource.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Meta(chi.URLParam(r, "resource")))
}

// handleCreate stores a new item.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")

	item, ok := decodeItem(w, r)
	if !ok {
		return
	}
	created, err := s.store.Create(resource, item)
	if err != nil {
		failWith(w, r, err)
		return
	}

	id, _ := created["id"].(string) //nolint:errcheck // Create always sets a string id
	w.Header().Set("Location", "/"+url.PathEscape(resource)+"/"+url.PathEscape(id))
	writeJSON(w, http.StatusCreated, created)
	s.notifyChange(resource, ActionCreated, id, created)
}

// handleGetItem returns one item.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Get(chi.URLParam(r, "resource"), chi.URLParam(r, "id"))
	if err != nil {
		failWith(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleReplaceItem overwrites an item.
func (s *Server) handleReplaceItem(w http.ResponseWriter, r *http.Request) {
	resource, id := chi.URLParam(r, "resource"), chi.URLParam(r, "id")

	item, ok := decodeItem(w, r)
	if !ok {
		return
	}
	updated, err := s.store.Replace(resource, id, item)
	if err != nil {
		failWith(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
	s.notifyChange(resource, ActionUpdated, id, updated)
}

// handlePatchItem merges fields into an item.
func (s *Server) handlePatchItem(w http.ResponseWriter, r *http.Request) {
	resource, id := chi.URLParam(r, "resource"), chi.URLParam(r, "id")

	fields, ok := decodeItem(w, r)
	if !ok {
		return
	}
	updated, err := s.store.Patch(resource, id, fields)
	if err != nil {
		failWith(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
	s.notifyChange(resource, ActionUpdated, id, updated)
}

// handleDeleteItem removes an item.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	resource, id := chi.URLParam(r, "resource"), chi.URLParam(r, "id")

	if err := s.store.Delete(resource, id); err != nil {
		failWith(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.notifyChange(resource, ActionDeleted, id, nil)
}

// decodeItem reads a JSON object body. It writes the error response and
// returns false on failure.
func decodeItem(w http.ResponseWriter, r *http.Request) (Item, bool) {
	var item Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		failDecode(w, r, err, "invalid JSON body")
		return nil, false
	}
	if item == nil {
		fail(w, r, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return item, true
}
